package conduit

import (
	"encoding/json"
	"strconv"
	"strings"
)

// PolicyPublic is the view policy of a revision anyone can see without logging in.
const PolicyPublic = "public"

// Revision is one record from the data list of a search endpoint. Numeric
// fields are kept as json.Number.
type Revision map[string]any

// Cursor is the paging block returned alongside search results.
type Cursor struct {
	Limit  json.Number `json:"limit"`
	After  *string     `json:"after"`
	Before *string     `json:"before"`
	Order  *string     `json:"order"`
}

// SearchResult holds the decoded result of a *.search endpoint.
type SearchResult struct {
	Data   []Revision
	Cursor Cursor
}

// User is the result of user.whoami.
type User struct {
	PHID         string   `json:"phid"`
	UserName     string   `json:"userName"`
	RealName     string   `json:"realName"`
	PrimaryEmail string   `json:"primaryEmail"`
	Roles        []string `json:"roles"`
	URI          string   `json:"uri"`
}

// Field walks path through nested objects and returns the value found there.
func (r Revision) Field(path ...string) (any, error) {
	var cur any = map[string]any(r)
	for i, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, &MalformedRecordError{
				Path:   strings.Join(path[:i], "."),
				Reason: "not an object",
			}
		}
		cur, ok = obj[key]
		if !ok {
			return nil, &MalformedRecordError{
				Path:   strings.Join(path[:i+1], "."),
				Reason: "missing",
			}
		}
	}
	return cur, nil
}

// StringField is Field for values that must be strings.
func (r Revision) StringField(path ...string) (string, error) {
	v, err := r.Field(path...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &MalformedRecordError{Path: strings.Join(path, "."), Reason: "not a string"}
	}
	return s, nil
}

// ID returns the numeric revision id (the N in DN).
func (r Revision) ID() (int64, error) {
	v, err := r.Field("id")
	if err != nil {
		return 0, err
	}
	switch id := v.(type) {
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return 0, &MalformedRecordError{Path: "id", Reason: err.Error()}
		}
		return n, nil
	case float64:
		return int64(id), nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, &MalformedRecordError{Path: "id", Reason: err.Error()}
		}
		return n, nil
	default:
		return 0, &MalformedRecordError{Path: "id", Reason: "not a number"}
	}
}

// PHID returns the revision's Phabricator object identifier.
func (r Revision) PHID() (string, error) {
	return r.StringField("phid")
}

// ViewPolicy returns fields.policy.view.
func (r Revision) ViewPolicy() (string, error) {
	return r.StringField("fields", "policy", "view")
}

// IsPublic reports whether fields.policy.view is "public". A record without
// that path fails with *MalformedRecordError.
func IsPublic(r Revision) (bool, error) {
	view, err := r.ViewPolicy()
	if err != nil {
		return false, err
	}
	return view == PolicyPublic, nil
}

// PublicOrFalse is IsPublic with malformed records counted as not public.
func PublicOrFalse(r Revision) bool {
	public, err := IsPublic(r)
	return err == nil && public
}
