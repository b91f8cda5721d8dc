// Package lock provides the cross-process write lock that serializes index
// and sync runs against one state directory.
//
// The lock is an advisory flock on Path. The holder records who it is in
// Path+".json" and refreshes a heartbeat there while it runs. A waiter that
// finds the heartbeat older than StaleAfter treats the holder as hung and
// reclaims the lock by unlinking the lock file and locking a fresh one.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/southerncoder/codegraph-sub000/internal/apperr"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultStaleAfter   = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Options configures Acquire.
type Options struct {
	Path string

	// Timeout bounds the wait for a busy lock.
	Timeout time.Duration

	// StaleAfter is the heartbeat age after which a holder is considered gone.
	StaleAfter time.Duration

	// Heartbeat is the refresh interval. Defaults to StaleAfter/3.
	Heartbeat time.Duration

	PollInterval time.Duration
	Logger       *slog.Logger

	// tryLock takes the flock once; tests wrap it to interleave a reclaim.
	tryLock func(*flock.Flock) (bool, error)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = o.StaleAfter / 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.tryLock == nil {
		o.tryLock = (*flock.Flock).TryLock
	}
	return o
}

// Info describes the current holder.
type Info struct {
	PID         int       `json:"pid"`
	Token       string    `json:"token"`
	Hostname    string    `json:"hostname,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

func (i *Info) String() string {
	if i.Hostname != "" {
		return fmt.Sprintf("pid %d on %s", i.PID, i.Hostname)
	}
	return fmt.Sprintf("pid %d", i.PID)
}

// Lock is a held lock. Release it when done.
type Lock struct {
	opts  Options
	fl    *flock.Flock
	info  Info
	infoM sync.Mutex

	stop     context.CancelFunc
	done     chan struct{}
	released sync.Once
	err      error
}

// InfoPath returns the holder info file for a lock path.
func InfoPath(path string) string { return path + ".json" }

// Acquire takes the lock, waiting at most opts.Timeout. A busy lock yields a
// *apperr.LockTimeoutError; cancellation of ctx yields ctx.Err().
func Acquire(ctx context.Context, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	if opts.Path == "" {
		return nil, errors.New("lock: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: creating directory: %w", err)
	}

	start := time.Now()
	deadline := start.Add(opts.Timeout)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		before, err := os.Stat(opts.Path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("lock: %s: %w", opts.Path, err)
		}
		fl := flock.New(opts.Path)
		locked, err := opts.tryLock(fl)
		if err != nil {
			return nil, fmt.Errorf("lock: %s: %w", opts.Path, err)
		}
		if locked {
			// A reclaimer may have replaced the lock file between our stat and
			// our flock; only a lock on the file that is still at Path counts.
			if !unchanged(before, opts.Path) {
				_ = fl.Close()
				continue
			}
			lockWait.Observe(time.Since(start).Seconds())
			return hold(fl, opts), nil
		}
		_ = fl.Close()

		holder, _ := ReadInfo(opts.Path)
		if holder != nil && time.Since(holder.HeartbeatAt) > opts.StaleAfter {
			opts.Logger.Warn("reclaiming stale lock",
				"path", opts.Path,
				"holder", holder.String(),
				"heartbeat_age", time.Since(holder.HeartbeatAt).Round(time.Millisecond),
			)
			lockReclaims.Inc()
			if err := os.Remove(opts.Path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("lock: reclaim: %w", err)
			}
			_ = os.Remove(InfoPath(opts.Path))
			continue
		}

		if !time.Now().Before(deadline) {
			lockWait.Observe(time.Since(start).Seconds())
			te := &apperr.LockTimeoutError{Path: opts.Path, Waited: time.Since(start).Round(time.Millisecond)}
			if holder != nil {
				te.Holder = holder.String()
			}
			return nil, te
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// unchanged reports whether path still names the file described by before.
// A lock file that did not exist before is retried once it does.
func unchanged(before os.FileInfo, path string) bool {
	if before == nil {
		return false
	}
	after, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(before, after)
}

// hold records holder info for a freshly locked fl and starts the heartbeat.
func hold(fl *flock.Flock, opts Options) *Lock {
	host, _ := os.Hostname()
	now := time.Now().UTC()
	l := &Lock{
		opts: opts,
		fl:   fl,
		info: Info{
			PID:         os.Getpid(),
			Token:       uuid.NewString(),
			Hostname:    host,
			AcquiredAt:  now,
			HeartbeatAt: now,
		},
		done: make(chan struct{}),
	}
	if err := l.writeInfo(); err != nil {
		opts.Logger.Warn("writing lock info", "path", opts.Path, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	go l.heartbeat(ctx)
	return l
}

// Token identifies this holder.
func (l *Lock) Token() string { return l.info.Token }

// Info returns a copy of the holder info as last written.
func (l *Lock) Info() Info {
	l.infoM.Lock()
	defer l.infoM.Unlock()
	return l.info
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	t := time.NewTicker(l.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		cur, err := ReadInfo(l.opts.Path)
		if err == nil && cur != nil && cur.Token != l.info.Token {
			l.opts.Logger.Warn("lock taken over by another holder", "path", l.opts.Path, "holder", cur.String())
			return
		}

		l.infoM.Lock()
		l.info.HeartbeatAt = time.Now().UTC()
		l.infoM.Unlock()
		if err := l.writeInfo(); err != nil {
			l.opts.Logger.Warn("refreshing lock heartbeat", "path", l.opts.Path, "error", err)
		}
	}
}

func (l *Lock) writeInfo() error {
	l.infoM.Lock()
	data, err := json.Marshal(l.info)
	l.infoM.Unlock()
	if err != nil {
		return err
	}
	path := InfoPath(l.opts.Path)
	tmp := path + "." + l.info.Token + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Release stops the heartbeat and unlocks. It is safe to call more than once.
func (l *Lock) Release() error {
	l.released.Do(func() {
		l.stop()
		<-l.done

		if cur, err := ReadInfo(l.opts.Path); err == nil && cur != nil && cur.Token == l.info.Token {
			_ = os.Remove(InfoPath(l.opts.Path))
		}
		l.err = l.fl.Unlock()
		if l.err == nil {
			l.err = l.fl.Close()
		}
	})
	return l.err
}

// ReadInfo returns the holder info beside path, or nil when there is none.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(InfoPath(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("lock: parsing %s: %w", InfoPath(path), err)
	}
	return &info, nil
}
