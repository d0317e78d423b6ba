package conduit

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRevision(t *testing.T, raw string) Revision {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var rev Revision
	require.NoError(t, dec.Decode(&rev))
	return rev
}

func TestIsPublic(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    bool
		wantErr string
	}{
		{name: "public", raw: `{"fields":{"policy":{"view":"public"}}}`, want: true},
		{name: "custom", raw: `{"fields":{"policy":{"view":"custom"}}}`, want: false},
		{name: "users", raw: `{"fields":{"policy":{"view":"users"}}}`, want: false},
		{name: "policy phid", raw: `{"fields":{"policy":{"view":"PHID-PLCY-abc"}}}`, want: false},
		{name: "missing fields", raw: `{"id":1}`, wantErr: "fields"},
		{name: "missing view", raw: `{"fields":{"policy":{"edit":"users"}}}`, wantErr: "fields.policy.view"},
		{name: "policy not object", raw: `{"fields":{"policy":"public"}}`, wantErr: "fields.policy"},
		{name: "view not string", raw: `{"fields":{"policy":{"view":1}}}`, wantErr: "fields.policy.view"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rev := decodeRevision(t, tt.raw)
			got, err := IsPublic(rev)
			if tt.wantErr != "" {
				var malformed *MalformedRecordError
				require.ErrorAs(t, err, &malformed)
				assert.Equal(t, tt.wantErr, malformed.Path)
				assert.False(t, got)
				assert.False(t, PublicOrFalse(rev))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, PublicOrFalse(rev))
		})
	}
}

func TestRevisionAccessors(t *testing.T) {
	rev := decodeRevision(t, `{
		"id": 27870,
		"type": "DREV",
		"phid": "PHID-DREV-abc",
		"fields": {"title": "Bug 1: New changes", "status": {"value": "needs-review"}}
	}`)

	id, err := rev.ID()
	require.NoError(t, err)
	assert.Equal(t, int64(27870), id)

	phid, err := rev.PHID()
	require.NoError(t, err)
	assert.Equal(t, "PHID-DREV-abc", phid)

	status, err := rev.StringField("fields", "status", "value")
	require.NoError(t, err)
	assert.Equal(t, "needs-review", status)

	_, err = rev.ViewPolicy()
	var malformed *MalformedRecordError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "fields.policy", malformed.Path)
}

func TestRevisionIDErrors(t *testing.T) {
	_, err := decodeRevision(t, `{"phid":"x"}`).ID()
	assert.Error(t, err)

	_, err = decodeRevision(t, `{"id":"D12"}`).ID()
	assert.Error(t, err)

	_, err = decodeRevision(t, `{"id":true}`).ID()
	assert.Error(t, err)
}
