package dropin

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var (
	idPattern    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	routePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*(/[a-z0-9][a-z0-9_\-]*)*$`)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "dropin_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "dropin_route", func(fl validator.FieldLevel) bool {
		return routePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "dropin_verb", func(fl validator.FieldLevel) bool {
		verb := fl.Field().String()
		for _, m := range Methods {
			if verb == m {
				return true
			}
		}
		return false
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// Capabilities declares which optional contract operations a drop-in
// implements. The watcher only polls drop-ins declaring Periodic and the HTTP
// layer only routes to drop-ins declaring Handler.
type Capabilities struct {
	Periodic bool `json:"periodic"`
	Handler  bool `json:"handler"`
}

// Identity is the record a drop-in registers under.
type Identity struct {
	// ID keys the drop-in in the registry and prefixes its metrics.
	ID      string `json:"id" validate:"required,max=64,dropin_id"`
	Version string `json:"version" validate:"required"`

	Capabilities Capabilities `json:"capabilities"`

	// Route is relative to the server root, without leading slash.
	Route string   `json:"route,omitempty" validate:"omitempty,dropin_route"`
	Verbs []string `json:"verbs,omitempty" validate:"dive,dropin_verb"`
}

// Validate checks the identity shape. Errors are marked ErrMalformedIdentity.
func (id Identity) Validate() error {
	if err := validate.Struct(id); err != nil {
		return Malformed(errors.Wrapf(err, "identity %q", id.ID))
	}
	if _, err := semver.NewVersion(id.Version); err != nil {
		return Malformed(errors.Wrapf(err, "identity %q: version %q", id.ID, id.Version))
	}
	if id.Capabilities.Handler {
		if id.Route == "" {
			return Malformed(errors.Newf("identity %q: handler declared without route", id.ID))
		}
		if len(id.Verbs) == 0 {
			return Malformed(errors.Newf("identity %q: handler declared without verbs", id.ID))
		}
	}
	return nil
}

// Allows reports whether the drop-in accepts method on its route.
func (id Identity) Allows(method string) bool {
	for _, v := range id.Verbs {
		if strings.EqualFold(v, method) {
			return true
		}
	}
	return false
}

// Polled returns the identity assigned to drop-ins that do not describe
// themselves: keyed by their candidate name, polled, never routed.
func Polled(name string) Identity {
	return Identity{
		ID:           name,
		Version:      "0.0.0",
		Capabilities: Capabilities{Periodic: true},
	}
}

// Methods lists the verbs a handler may declare, upper case.
var Methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
