package protocol

import "fmt"

// NATS subjects are namespaced per site so multiple sites can share one
// broker without crosstalk. Handshake and batch use request/reply; push,
// candidacy, and heartbeat are fan-out.

func SubjectHandshake(siteID string) string {
	return fmt.Sprintf("stockmesh.%s.hub.handshake", siteID)
}

func SubjectBatch(siteID string) string {
	return fmt.Sprintf("stockmesh.%s.hub.batch", siteID)
}

func SubjectPush(siteID string) string {
	return fmt.Sprintf("stockmesh.%s.push", siteID)
}

func SubjectCandidacy(siteID string) string {
	return fmt.Sprintf("stockmesh.%s.election.candidacy", siteID)
}

func SubjectHeartbeat(siteID string) string {
	return fmt.Sprintf("stockmesh.%s.election.heartbeat", siteID)
}
