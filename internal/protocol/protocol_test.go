package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alfredjeanlab/stockmesh/internal/model"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(KindHandshake, &Handshake{
		TenantID:      "t-1",
		SiteID:        "site-1",
		DeviceID:      "dev-1",
		DeviceToken:   "secret",
		SchemaVersion: SchemaVersion,
		LastSequence:  12,
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != KindHandshake {
		t.Errorf("type = %q", env.Type)
	}
	if env.MessageID == "" {
		t.Error("message id should be set")
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}

	var hs Handshake
	if err := env.DecodePayload(&hs); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if hs.DeviceID != "dev-1" || hs.LastSequence != 12 {
		t.Errorf("unexpected handshake: %+v", hs)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for missing type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed data")
	}
}

func TestErrorCodePermanence(t *testing.T) {
	for _, tc := range []struct {
		code ErrorCode
		want bool
	}{
		{CodeUnsupportedVersion, true},
		{CodeInvalidMessage, true},
		{CodeSiteMismatch, true},
		{CodeAuthFailed, true},
		{CodeConflict, false},
		{CodeInternal, false},
	} {
		if got := tc.code.Permanent(); got != tc.want {
			t.Errorf("%s.Permanent() = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestDeltaFromEntry(t *testing.T) {
	rec := &model.DeltaRecord{
		ID:             "dl-1",
		ProductID:      "prod-1",
		Change:         -2,
		Reason:         model.ReasonSale,
		OriginDeviceID: "dev-1",
		OriginSequence: 3,
		OccurredAt:     time.Now().UTC(),
	}
	data, err := Encode(KindOutboxBatch, &OutboxBatch{
		DeviceID: "dev-1",
		Entries: []BatchEntry{{
			OutboxID:   "ob-1",
			EntityType: model.EntityInventoryDelta,
			EntityID:   rec.ID,
			Sequence:   rec.OriginSequence,
			Payload:    mustJSON(t, rec),
		}},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var batch OutboxBatch
	if err := env.DecodePayload(&batch); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}

	got, err := DeltaFromEntry(batch.Entries[0])
	if err != nil {
		t.Fatalf("DeltaFromEntry failed: %v", err)
	}
	if got.ID != "dl-1" || got.Change != -2 || got.OriginSequence != 3 {
		t.Errorf("unexpected delta: %+v", got)
	}

	// Payload with no id is invalid.
	if _, err := DeltaFromEntry(BatchEntry{Payload: []byte(`{}`)}); err == nil {
		t.Error("expected error for empty delta payload")
	}
}

func TestSubjects(t *testing.T) {
	if got := SubjectHandshake("s1"); got != "stockmesh.s1.hub.handshake" {
		t.Errorf("handshake subject = %q", got)
	}
	if got := SubjectPush("s1"); got != "stockmesh.s1.push" {
		t.Errorf("push subject = %q", got)
	}
	if got := SubjectCandidacy("s1"); got != "stockmesh.s1.election.candidacy" {
		t.Errorf("candidacy subject = %q", got)
	}
}
