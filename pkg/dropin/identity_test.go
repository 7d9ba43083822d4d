package dropin

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestIdentity_Validate(t *testing.T) {
	valid := Identity{
		ID:           "adafruit_bme280",
		Version:      "0.0.1",
		Capabilities: Capabilities{Periodic: true, Handler: true},
		Route:        "bme280",
		Verbs:        []string{"GET", "POST"},
	}

	tests := []struct {
		name    string
		mutate  func(*Identity)
		wantErr bool
	}{
		{"valid", func(*Identity) {}, false},
		{"prerelease version", func(id *Identity) { id.Version = "0.0.1-alpha" }, false},
		{"nested route", func(id *Identity) { id.Route = "ph/calibration" }, false},
		{"poll only without route", func(id *Identity) {
			id.Capabilities.Handler = false
			id.Route = ""
			id.Verbs = nil
		}, false},
		{"missing id", func(id *Identity) { id.ID = "" }, true},
		{"uppercase id", func(id *Identity) { id.ID = "BME280" }, true},
		{"id with dash", func(id *Identity) { id.ID = "bme-280" }, true},
		{"missing version", func(id *Identity) { id.Version = "" }, true},
		{"non semver version", func(id *Identity) { id.Version = "latest" }, true},
		{"handler without route", func(id *Identity) { id.Route = "" }, true},
		{"handler without verbs", func(id *Identity) { id.Verbs = nil }, true},
		{"route with leading slash", func(id *Identity) { id.Route = "/bme280" }, true},
		{"unknown verb", func(id *Identity) { id.Verbs = []string{"GET", "FETCH"} }, true},
		{"lowercase verb", func(id *Identity) { id.Verbs = []string{"get"} }, true},
		{"every method", func(id *Identity) { id.Verbs = append([]string(nil), Methods...) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := valid
			id.Verbs = append([]string(nil), valid.Verbs...)
			tt.mutate(&id)

			err := id.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedIdentity), "error should be marked malformed: %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewValidator_RegistersCustomTags(t *testing.T) {
	v := newValidator()
	assert.NoError(t, v.Var("adafruit_bme280", "dropin_id"))
	assert.NoError(t, v.Var("ph/calibration", "dropin_route"))
	for _, m := range Methods {
		assert.NoError(t, v.Var(m, "dropin_verb"), m)
	}
	assert.Error(t, v.Var("TRACE", "dropin_verb"))
}

func TestMustRegister_PanicsOnInvalidTag(t *testing.T) {
	assert.Panics(t, func() {
		mustRegister(newValidator(), "", func(validator.FieldLevel) bool { return true })
	})
}

func TestIdentity_Allows(t *testing.T) {
	id := Identity{Verbs: []string{"GET", "POST"}}

	assert.True(t, id.Allows("GET"))
	assert.True(t, id.Allows("post"))
	assert.False(t, id.Allows("DELETE"))
}

func TestPolled(t *testing.T) {
	id := Polled("legacy")

	assert.Equal(t, "legacy", id.ID)
	assert.True(t, id.Capabilities.Periodic)
	assert.False(t, id.Capabilities.Handler)
	assert.Empty(t, id.Route)
}

func TestRequest_Decode(t *testing.T) {
	var body struct {
		Point string `json:"point"`
	}

	req := &Request{Body: []byte(`{"point":"mid"}`)}
	assert.NoError(t, req.Decode(&body))
	assert.Equal(t, "mid", body.Point)

	err := (&Request{}).Decode(&body)
	assert.True(t, errors.Is(err, ErrBadRequest))

	err = (&Request{Body: []byte("{")}).Decode(&body)
	assert.True(t, errors.Is(err, ErrBadRequest))
}
