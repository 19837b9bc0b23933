package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// KindSpec describes one job kind: where it runs, what its payload looks
// like and which resource it locks.
type KindSpec struct {
	Queue QueueName
	Name  string
	// NewPayload returns a pointer to a zero payload struct carrying
	// `validate` tags.
	NewPayload func() any
	// DedupeKey derives the logical resource id from a validated payload.
	// Returning "" disables deduplication for that job.
	DedupeKey func(payload any) string
	// Defaults fill in options the caller leaves zero.
	Defaults Options
}

type kindKey struct {
	queue QueueName
	name  string
}

// Registry holds every kind the service accepts
type Registry struct {
	mu       sync.RWMutex
	kinds    map[kindKey]KindSpec
	validate *validator.Validate
}

func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[kindKey]KindSpec),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (r *Registry) Register(spec KindSpec) {
	if !spec.Queue.Valid() {
		panic(fmt.Sprintf("job: kind %s registered on unknown queue %s", spec.Name, spec.Queue))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kindKey{spec.Queue, spec.Name}] = spec
}

func (r *Registry) Lookup(queue QueueName, name string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[kindKey{queue, name}]
	return spec, ok
}

// Kinds returns the registered specs sorted by queue then name.
func (r *Registry) Kinds() []KindSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KindSpec, 0, len(r.kinds))
	for _, spec := range r.kinds {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Prepare validates payload against the kind's schema and returns its
// canonical encoding plus the dedupe key. payload may be a struct, a
// pointer to one, or raw JSON.
func (r *Registry) Prepare(queue QueueName, kind string, payload any) (json.RawMessage, string, error) {
	if err := checkQueue(queue); err != nil {
		return nil, "", err
	}
	spec, ok := r.Lookup(queue, kind)
	if !ok {
		return nil, "", &InvalidPayloadError{Kind: kind, Reason: fmt.Sprintf("unknown kind for queue %s", queue)}
	}

	raw, err := toJSON(payload)
	if err != nil {
		return nil, "", &InvalidPayloadError{Kind: kind, Reason: err.Error()}
	}

	typed := spec.NewPayload()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(typed); err != nil {
		return nil, "", &InvalidPayloadError{Kind: kind, Reason: err.Error()}
	}
	if err := r.validate.Struct(typed); err != nil {
		return nil, "", &InvalidPayloadError{Kind: kind, Reason: describeValidation(err)}
	}

	canonical, err := json.Marshal(typed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	var key string
	if spec.DedupeKey != nil {
		key = spec.DedupeKey(typed)
	}
	return canonical, key, nil
}

func toJSON(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, errors.New("payload is required")
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
