package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
)

const timeLayout = time.RFC3339

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("vault: missing frontmatter")
	// ErrMalformedFrontMatter indicates the closing fence was not found.
	ErrMalformedFrontMatter = errors.New("vault: malformed frontmatter")
)

// header is the on-disk schema of an item. Unknown keys are rejected.
type header struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	Domain     string            `yaml:"domain"`
	Created    string            `yaml:"created"`
	Modified   string            `yaml:"modified,omitempty"`
	Status     string            `yaml:"status,omitempty"`
	Owner      string            `yaml:"owner,omitempty"`
	Expires    string            `yaml:"expires,omitempty"`
	Action     string            `yaml:"action,omitempty"`
	Params     map[string]string `yaml:"params,omitempty"`
	Related    []string          `yaml:"related,omitempty"`
	ApprovedBy string            `yaml:"approved_by,omitempty"`
	DecidedAt  string            `yaml:"decided_at,omitempty"`
}

// splitFrontMatter separates the YAML block from the body.
func splitFrontMatter(content []byte) ([]byte, []byte, error) {
	if len(content) == 0 {
		return nil, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	// An empty header is "---\n---\n".
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return nil, rest[4:], nil
	}
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], nil, nil
		}
		return nil, nil, ErrMalformedFrontMatter
	}
	return parts[0], parts[1], nil
}

// Decode parses an item file. Undecodable bytes are a Data failure and
// header schema violations are a Logic failure.
func Decode(id, path string, content []byte) (models.Item, error) {
	if !utf8.Valid(content) {
		return models.Item{}, perrors.Corrupt(id, path, errors.New("content is not valid utf-8"))
	}
	meta, body, err := splitFrontMatter(content)
	if err != nil {
		return models.Item{}, perrors.Corrupt(id, path, err)
	}

	var h header
	dec := yaml.NewDecoder(bytes.NewReader(meta))
	dec.KnownFields(true)
	// An empty header decodes to io.EOF; validation then reports the missing fields.
	if err := dec.Decode(&h); err != nil && !errors.Is(err, io.EOF) {
		return models.Item{}, perrors.Invalid(id, path, fmt.Sprintf("parse header: %v", err))
	}
	return h.toItem(id, path, string(bytes.TrimPrefix(body, []byte("\n"))))
}

func (h header) toItem(id, path, body string) (models.Item, error) {
	invalid := func(format string, args ...any) (models.Item, error) {
		return models.Item{}, perrors.Invalid(id, path, fmt.Sprintf(format, args...))
	}

	if h.ID == "" {
		return invalid("missing id")
	}
	if h.ID != id {
		return invalid("header id %q does not match file name", h.ID)
	}
	kind := models.Kind(h.Type)
	if !kind.Valid() {
		return invalid("unknown type %q", h.Type)
	}
	if strings.TrimSpace(h.Domain) == "" {
		return invalid("missing domain")
	}
	status := models.Status(h.Status)
	if !status.Valid() {
		return invalid("unknown status %q", h.Status)
	}

	it := models.Item{
		ID:         h.ID,
		Kind:       kind,
		Domain:     h.Domain,
		Status:     status,
		Action:     h.Action,
		Params:     cloneParams(h.Params),
		Related:    append([]string(nil), h.Related...),
		ApprovedBy: h.ApprovedBy,
		Body:       body,
	}

	var err error
	if h.Created == "" {
		return invalid("missing created")
	}
	if it.Created, err = parseTime(h.Created); err != nil {
		return invalid("created: %v", err)
	}
	if it.Modified, err = parseOptionalTime(h.Modified); err != nil {
		return invalid("modified: %v", err)
	}
	if it.Expires, err = parseOptionalTime(h.Expires); err != nil {
		return invalid("expires: %v", err)
	}
	if it.DecidedAt, err = parseOptionalTime(h.DecidedAt); err != nil {
		return invalid("decided_at: %v", err)
	}

	if kind == models.KindApprovalRequest {
		if it.Action == "" {
			return invalid("approval request without action")
		}
		if it.Expires.IsZero() {
			return invalid("approval request without expires")
		}
	}
	if kind == models.KindDraftAction && it.Action == "" {
		return invalid("draft without action")
	}
	return it, nil
}

// Encode renders an item with YAML fences.
func Encode(it models.Item) ([]byte, error) {
	if it.ID == "" {
		return nil, fmt.Errorf("vault: item missing id")
	}
	h := header{
		ID:         it.ID,
		Type:       string(it.Kind),
		Domain:     it.Domain,
		Created:    formatTime(it.Created),
		Modified:   formatTime(it.Modified),
		Status:     string(it.Status),
		Expires:    formatTime(it.Expires),
		Action:     it.Action,
		Params:     cloneParams(it.Params),
		Related:    it.Related,
		ApprovedBy: it.ApprovedBy,
		DecidedAt:  formatTime(it.DecidedAt),
	}
	data, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("vault: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(it.Body)
	return buf.Bytes(), nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		// Hand-written items often carry a bare date.
		if d, derr := time.Parse("2006-01-02", value); derr == nil {
			return d.UTC(), nil
		}
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseOptionalTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return parseTime(value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func cloneParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
