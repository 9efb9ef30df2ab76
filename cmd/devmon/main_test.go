package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockUntilDone is a helper that runs until its context ends.
func blockUntilDone(stopped chan<- struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}
}

func TestRunGroup(t *testing.T) {
	tests := []struct {
		name      string
		supervise func(context.Context) error
		wantErr   error
	}{
		{
			name:      "supervisor closes cleanly",
			supervise: func(context.Context) error { return nil },
		},
		{
			name:      "supervisor fails",
			supervise: func(context.Context) error { return errors.New("launch failed") },
			wantErr:   errors.New("launch failed"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watcherStopped := make(chan struct{})
			signalsStopped := make(chan struct{})

			done := make(chan error, 1)
			go func() {
				done <- runGroup(context.Background(), tt.supervise,
					blockUntilDone(watcherStopped), blockUntilDone(signalsStopped))
			}()

			select {
			case err := <-done:
				if tt.wantErr != nil {
					assert.EqualError(t, err, tt.wantErr.Error())
				} else {
					assert.NoError(t, err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("helpers kept running after the supervisor returned")
			}
			assert.Eventually(t, func() bool {
				select {
				case <-watcherStopped:
				default:
					return false
				}
				select {
				case <-signalsStopped:
					return true
				default:
					return false
				}
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestRunGroup_ParentCancelStopsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	helperStopped := make(chan struct{})
	supervised := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- runGroup(ctx, func(ctx context.Context) error {
			close(supervised)
			<-ctx.Done()
			return ctx.Err()
		}, blockUntilDone(helperStopped))
	}()

	<-supervised
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a normal shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("runGroup did not return after cancel")
	}
	<-helperStopped
}
