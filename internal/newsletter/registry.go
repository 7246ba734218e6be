// Package newsletter is the official list of newsletters and the
// backend-specific data for working with them at the email provider. It
// decouples the API's generic slugs from any specific ESP's field names.
package newsletter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/subgate/subgate/internal/esp"
)

// Newsletter is reference data for one newsletter. Created and updated only
// by administrative tooling, never by the gateway core.
type Newsletter struct {
	Slug                string
	VendorID            string // backend-specific field name at the ESP
	Title               string
	RequiresDoubleOptIn bool
	Languages           []string // ordered, case preserved as configured
	WelcomeID           string   // base welcome message id, empty for none
	ConfirmMessage      string   // custom confirmation message id, empty for shared default
	Private             bool     // requires API key or signed grant
	Active              bool
}

// ErrNotFound reports an unknown newsletter slug.
func ErrNotFound(slug string) error {
	return esp.ValidationError(esp.CodeUnknownNewsletter, fmt.Sprintf("unknown newsletter %q", slug))
}

// Source loads newsletter reference data and registered SMS messages.
type Source interface {
	Load(ctx context.Context) ([]Newsletter, map[string]string, error)
}

// Registry is an in-process view over the newsletter reference data,
// reloadable via Invalidate when admin tooling changes the source.
type Registry struct {
	source Source

	mu     sync.RWMutex
	byName map[string]Newsletter
	sms    map[string]string // client message id -> vendor message id
	loaded bool
}

func NewRegistry(source Source) *Registry {
	return &Registry{source: source}
}

func (r *Registry) ensure(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	return r.Reload(ctx)
}

// Reload replaces the cached data from the source.
func (r *Registry) Reload(ctx context.Context) error {
	newsletters, sms, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load newsletters: %w", err)
	}
	byName := make(map[string]Newsletter, len(newsletters))
	for _, nl := range newsletters {
		byName[nl.Slug] = nl
	}
	r.mu.Lock()
	r.byName = byName
	r.sms = sms
	r.loaded = true
	r.mu.Unlock()
	return nil
}

// Invalidate drops the cache; the next call reloads from the source.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loaded = false
	r.mu.Unlock()
}

// Resolve returns the newsletter for a slug, or a validation error carrying
// the unknown-newsletter code.
func (r *Registry) Resolve(ctx context.Context, slug string) (Newsletter, error) {
	if err := r.ensure(ctx); err != nil {
		return Newsletter{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	nl, ok := r.byName[slug]
	if !ok {
		return Newsletter{}, ErrNotFound(slug)
	}
	return nl, nil
}

// Slugs returns all known newsletter slugs.
func (r *Registry) Slugs(ctx context.Context) ([]string, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for slug := range r.byName {
		out = append(out, slug)
	}
	return out, nil
}

// All returns every known newsletter.
func (r *Registry) All(ctx context.Context) ([]Newsletter, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Newsletter, 0, len(r.byName))
	for _, nl := range r.byName {
		out = append(out, nl)
	}
	return out, nil
}

// VendorFields returns the backend-specific field names of every
// newsletter, used to read subscription flags off an ESP record.
func (r *Registry) VendorFields(ctx context.Context) ([]string, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for _, nl := range r.byName {
		out = append(out, nl.VendorID)
	}
	return out, nil
}

// FieldMap maps backend-specific field names back to slugs, the inverse
// of VendorFields. Satisfies the ESP client's field mapper.
func (r *Registry) FieldMap(ctx context.Context) (map[string]string, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byName))
	for slug, nl := range r.byName {
		out[nl.VendorID] = slug
	}
	return out, nil
}

// PrivateSlugs returns the slugs callers must hold a credential for.
func (r *Registry) PrivateSlugs(ctx context.Context) ([]string, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for slug, nl := range r.byName {
		if nl.Private {
			out = append(out, slug)
		}
	}
	return out, nil
}

// Languages returns the union of every newsletter's supported languages.
func (r *Registry) Languages(ctx context.Context) ([]string, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, nl := range r.byName {
		for _, lang := range nl.Languages {
			key := strings.ToLower(lang)
			if !seen[key] {
				seen[key] = true
				out = append(out, lang)
			}
		}
	}
	return out, nil
}

// SupportsLanguage reports whether any newsletter supports the language,
// comparing only the primary 2-letter subtag, case-insensitively.
func (r *Registry) SupportsLanguage(ctx context.Context, code string) (bool, error) {
	langs, err := r.Languages(ctx)
	if err != nil {
		return false, err
	}
	want := primary2(code)
	for _, lang := range langs {
		if primary2(lang) == want {
			return true, nil
		}
	}
	return false, nil
}

func primary2(code string) string {
	code = strings.ToLower(code)
	if len(code) > 2 {
		code = code[:2]
	}
	return code
}

// SMSMessage returns the vendor message id for a registered SMS message.
func (r *Registry) SMSMessage(ctx context.Context, name string) (string, bool, error) {
	if err := r.ensure(ctx); err != nil {
		return "", false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	vendorID, ok := r.sms[name]
	return vendorID, ok, nil
}
