package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
)

func TestDecode_ApprovalRequest(t *testing.T) {
	doc := "---\n" +
		"id: REQ_1\n" +
		"type: approval_request\n" +
		"domain: business\n" +
		"created: 2026-02-01T09:00:00Z\n" +
		"status: pending\n" +
		"expires: 2026-02-02T09:00:00Z\n" +
		"action: email_send\n" +
		"params:\n  to: client@example.com\n" +
		"related: [EMAIL_abc]\n" +
		"---\n\nDear client,\n"

	it, err := Decode("REQ_1", "p", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, models.KindApprovalRequest, it.Kind)
	assert.Equal(t, models.StatusPending, it.Status)
	assert.Equal(t, "email_send", it.Action)
	assert.Equal(t, "client@example.com", it.Params["to"])
	assert.Equal(t, []string{"EMAIL_abc"}, it.Related)
	assert.Equal(t, time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC), it.Expires)
	assert.Equal(t, "Dear client,\n", it.Body)
}

func TestDecode_CRLFAndBareDate(t *testing.T) {
	doc := "---\r\nid: A\r\ntype: plan\r\ndomain: personal\r\ncreated: 2026-01-05\r\n---\r\nbody"
	it, err := Decode("A", "p", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), it.Created)
	assert.Equal(t, "body", it.Body)
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no fence", "id: A\n", perrors.ErrCorruptItem},
		{"unterminated", "---\nid: A\n", perrors.ErrCorruptItem},
		{"binary", "---\n\xff\xfe\n---\n", perrors.ErrCorruptItem},
		{"empty header", "---\n---\nbody", perrors.ErrInvalidItem},
		{"bad yaml", "---\nid: [A\n---\n", perrors.ErrInvalidItem},
		{"unknown key", "---\nid: A\ntype: plan\ndomain: x\ncreated: 2026-01-01T00:00:00Z\npriority: high\n---\n", perrors.ErrInvalidItem},
		{"id mismatch", "---\nid: B\ntype: plan\ndomain: x\ncreated: 2026-01-01T00:00:00Z\n---\n", perrors.ErrInvalidItem},
		{"bad type", "---\nid: A\ntype: memo\ndomain: x\ncreated: 2026-01-01T00:00:00Z\n---\n", perrors.ErrInvalidItem},
		{"bad status", "---\nid: A\ntype: plan\ndomain: x\ncreated: 2026-01-01T00:00:00Z\nstatus: maybe\n---\n", perrors.ErrInvalidItem},
		{"missing domain", "---\nid: A\ntype: plan\ncreated: 2026-01-01T00:00:00Z\n---\n", perrors.ErrInvalidItem},
		{"bad created", "---\nid: A\ntype: plan\ndomain: x\ncreated: yesterday\n---\n", perrors.ErrInvalidItem},
		{"request without expiry", "---\nid: A\ntype: approval_request\ndomain: x\ncreated: 2026-01-01T00:00:00Z\naction: payment\n---\n", perrors.ErrInvalidItem},
		{"draft without action", "---\nid: A\ntype: draft_action\ndomain: x\ncreated: 2026-01-01T00:00:00Z\n---\n", perrors.ErrInvalidItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("A", "p", []byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	it := models.Item{
		ID:         "REQ_2",
		Kind:       models.KindApprovalRequest,
		Domain:     "business",
		Created:    time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		Status:     models.StatusApproved,
		Action:     models.ActionPayment,
		Params:     map[string]string{"amount": "120.00"},
		Expires:    time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
		ApprovedBy: "local",
		DecidedAt:  time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC),
		Body:       "Pay invoice 42\n",
	}
	data, err := Encode(it)
	require.NoError(t, err)

	got, err := Decode("REQ_2", "p", data)
	require.NoError(t, err)
	assert.Equal(t, it, got)
}

func TestEncode_RequiresID(t *testing.T) {
	_, err := Encode(models.Item{})
	assert.Error(t, err)
}
