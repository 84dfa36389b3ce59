package sources_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/sources"
)

func TestFileSourceTailsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"kind\":\"ignored\"}\n"), 0o644))

	src := sources.NewFileSource("file", path)
	src.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *laika.Record, 8)
	runErr := make(chan error, 1)
	go func() { runErr <- src.Run(ctx, out) }()

	time.Sleep(30 * time.Millisecond) // let the source seek past the pre-existing line

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"kind\":\"login\",\"user_id\":\"u1\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var rec *laika.Record
	select {
	case rec = <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tailed record")
	}

	require.Equal(t, "file", rec.Source)
	require.Equal(t, "login", rec.Parsed["kind"])
	require.Equal(t, "u1", rec.Parsed["user_id"])

	cancel()
	require.NoError(t, <-runErr)
}

func TestFileSourceHoldsPartialLineAcrossTicks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src := sources.NewFileSource("file", path)
	src.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan *laika.Record, 8)
	go func() { _ = src.Run(ctx, out) }()

	time.Sleep(30 * time.Millisecond) // let the source open the file and seek to its end

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"login",`)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	select {
	case rec := <-out:
		t.Fatalf("unexpected record from partial line: %+v", rec)
	default:
	}

	_, err = f.WriteString(`"user_id":"u2"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case rec := <-out:
		require.Equal(t, "u2", rec.Parsed["user_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completed line")
	}
}
