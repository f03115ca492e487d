package tracing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhook/stripe"),
		attribute.String("stripe.signature", "t=1,v1=abc"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorKeepsOnlyCategory(t *testing.T) {
	err := SafeError(fmt.Errorf("update cs_abc: %w", context.DeadlineExceeded))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	err = SafeError(errors.New("pq: payload {\"id\":\"evt_1\"}"))
	assert.EqualError(t, err, "request failed")

	assert.Nil(t, SafeError(nil))
}
