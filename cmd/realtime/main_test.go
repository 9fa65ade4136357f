package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

type fakeApp struct {
	log *callLog
	err error
}

func (a *fakeApp) Shutdown(context.Context) error {
	a.log.add("app")
	return a.err
}

type fakeDB struct{ log *callLog }

func (d *fakeDB) Close() error {
	d.log.add("db")
	return nil
}

type fakeNATS struct {
	log *callLog
	err error
}

func (n *fakeNATS) Drain() error {
	n.log.add("nats")
	return n.err
}

func TestStopApplication_ClosesDependenciesAfterApp(t *testing.T) {
	log := &callLog{}
	err := stopApplication(context.Background(), &fakeApp{log: log}, &fakeDB{log: log}, &fakeNATS{log: log})
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "nats", "db"}, log.calls)
}

func TestStopApplication_WithoutNATS(t *testing.T) {
	log := &callLog{}
	require.NoError(t, stopApplication(context.Background(), &fakeApp{log: log}, &fakeDB{log: log}, nil))
	assert.Equal(t, []string{"app", "db"}, log.calls)
}

func TestStopApplication_AppFailureKeepsDependenciesOpen(t *testing.T) {
	log := &callLog{}
	boom := errors.New("timed out waiting for connections")
	err := stopApplication(context.Background(), &fakeApp{log: log, err: boom}, &fakeDB{log: log}, &fakeNATS{log: log})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"app"}, log.calls)
}

func TestStopApplication_DrainFailureStillClosesStore(t *testing.T) {
	log := &callLog{}
	drainErr := errors.New("drain timeout")
	err := stopApplication(context.Background(), &fakeApp{log: log}, &fakeDB{log: log}, &fakeNATS{log: log, err: drainErr})
	assert.ErrorIs(t, err, drainErr)
	assert.Equal(t, []string{"app", "nats", "db"}, log.calls)
}
