package modules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fake struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (f *fake) Name() string { return f.name }

func (f *fake) Start(context.Context) error {
	*f.log = append(*f.log, "start "+f.name)
	return f.startErr
}

func (f *fake) Stop(context.Context) error {
	*f.log = append(*f.log, "stop "+f.name)
	return f.stopErr
}

func TestStartStopOrder(t *testing.T) {
	var log []string
	m := NewManager(&fake{name: "a", log: &log}, nil, &fake{name: "b", log: &log}, &fake{name: "c", log: &log})

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}, log)
}

func TestStartFailureRollsBack(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	m := NewManager(
		&fake{name: "a", log: &log},
		&fake{name: "b", log: &log, startErr: boom},
		&fake{name: "c", log: &log},
	)

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "module b failed")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}

func TestStopJoinsErrors(t *testing.T) {
	var log []string
	e1, e2 := errors.New("one"), errors.New("two")
	m := NewManager(&fake{name: "a", log: &log, stopErr: e1}, &fake{name: "b", log: &log, stopErr: e2})
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
}

func TestCloser(t *testing.T) {
	closed := 0
	c := Closer("store", func() error { closed++; return nil })
	assert.Equal(t, "store", c.Name())
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, closed)
}
