package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestResourceAttributes(t *testing.T) {
	attrs := attribute.NewSet(resourceAttributes(Config{
		ServiceVersion: "1.2.3",
		ResourceTags:   map[string]string{"deployment.environment": "dev"},
	})...)

	name, ok := attrs.Value("service.name")
	assert.True(t, ok)
	assert.Equal(t, "phab-probe", name.AsString())

	ver, ok := attrs.Value("service.version")
	assert.True(t, ok)
	assert.Equal(t, "1.2.3", ver.AsString())

	env, ok := attrs.Value("deployment.environment")
	assert.True(t, ok)
	assert.Equal(t, "dev", env.AsString())
}
