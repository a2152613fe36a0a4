package engine_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle/engine/internal/engine"
)

type emailer interface {
	Send(to string) error
}

type smtpEmailer struct{}

func (smtpEmailer) Send(string) error { return nil }

func TestServiceContainerResolveInterface(t *testing.T) {
	c := engine.NewServiceContainer()
	c.Add(smtpEmailer{})

	ifaceType := reflect.TypeOf((*emailer)(nil)).Elem()
	svc, ok := c.ResolveInterface(ifaceType)
	require.True(t, ok)
	_, isEmailer := svc.(emailer)
	assert.True(t, isEmailer)
}

func TestServiceContainerResolveMissing(t *testing.T) {
	c := engine.NewServiceContainer()
	ifaceType := reflect.TypeOf((*emailer)(nil)).Elem()
	_, ok := c.ResolveInterface(ifaceType)
	assert.False(t, ok)
}
