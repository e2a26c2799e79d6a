package detectors

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rampart-ai/rampart/internal/engine"
)

// ipTable is an immutable snapshot of the reputation lists. Lookups walk
// the prefix slices; tables are small enough (thousands of entries) that a
// linear scan stays well under the fast-tier budget.
type ipTable struct {
	allow   []netip.Prefix
	block   []netip.Prefix
	suspect []netip.Prefix
}

func (t *ipTable) match(prefixes []netip.Prefix, addr netip.Addr) (netip.Prefix, bool) {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// IPReputationDetector checks the client address against CIDR reputation
// lists. Allowlisted ranges produce a whitelisted verdict, blocklisted
// ranges a blacklisted one. The table is swapped atomically so a reload
// never blocks request handling.
type IPReputationDetector struct {
	engine.Spec

	table   atomic.Pointer[ipTable]
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}
}

// NewIPReputationDetector loads the reputation file at path and watches it
// for changes. An empty path yields a detector with empty tables and no
// watcher, which is how tests construct it.
func NewIPReputationDetector(path string, logger *zap.Logger) (*IPReputationDetector, error) {
	d := &IPReputationDetector{
		Spec: engine.Spec{
			DetectorName: "ip_reputation",
			DetectorTier: engine.TierFast,
			ExecWait:     10 * time.Millisecond,
		},
		logger:  logger,
		path:    path,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	d.table.Store(&ipTable{})

	if path == "" {
		close(d.stopped)
		return d, nil
	}

	if err := d.reload(); err != nil {
		return nil, fmt.Errorf("NewIPReputationDetector: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewIPReputationDetector: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("NewIPReputationDetector: watch %s: %w", path, err)
	}
	d.watcher = watcher
	go d.watchLoop()
	return d, nil
}

func (d *IPReputationDetector) watchLoop() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if err := d.reload(); err != nil {
				// Keep serving the previous snapshot.
				d.logger.Warn("ip reputation reload failed",
					zap.String("path", d.path),
					zap.Error(err),
				)
				continue
			}
			// Editors replace files rather than writing in place, which
			// drops the watch on some platforms. Re-add is a no-op when
			// the watch survived.
			_ = d.watcher.Add(d.path)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("ip reputation watcher error", zap.Error(err))
		}
	}
}

// reload parses the reputation file and swaps in a fresh snapshot.
//
// File format, one entry per line:
//
//	allow 10.0.0.0/8
//	block 203.0.113.0/24
//	suspect 198.51.100.0/24
//
// Blank lines and lines starting with # are ignored.
func (d *IPReputationDetector) reload() error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer f.Close()

	t := &ipTable{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			d.logger.Warn("ip reputation entry malformed, skipping",
				zap.String("path", d.path),
				zap.Int("line", line),
			)
			continue
		}
		prefix, err := netip.ParsePrefix(fields[1])
		if err != nil {
			// Bare addresses are accepted as /32 (or /128) entries.
			addr, aerr := netip.ParseAddr(fields[1])
			if aerr != nil {
				d.logger.Warn("ip reputation entry unparseable, skipping",
					zap.String("path", d.path),
					zap.Int("line", line),
					zap.Error(err),
				)
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		switch strings.ToLower(fields[0]) {
		case "allow":
			t.allow = append(t.allow, prefix)
		case "block":
			t.block = append(t.block, prefix)
		case "suspect":
			t.suspect = append(t.suspect, prefix)
		default:
			d.logger.Warn("ip reputation entry has unknown list, skipping",
				zap.String("path", d.path),
				zap.Int("line", line),
				zap.String("list", fields[0]),
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	d.table.Store(t)
	d.logger.Info("ip reputation table loaded",
		zap.String("path", d.path),
		zap.Int("allow", len(t.allow)),
		zap.Int("block", len(t.block)),
		zap.Int("suspect", len(t.suspect)),
	)
	return nil
}

// Replace swaps in explicit lists, bypassing the file. Used by tests and
// by callers that manage the lists through another channel.
func (d *IPReputationDetector) Replace(allow, block, suspect []netip.Prefix) {
	d.table.Store(&ipTable{allow: allow, block: block, suspect: suspect})
}

// Close stops the file watcher.
func (d *IPReputationDetector) Close() error {
	if d.watcher == nil {
		return nil
	}
	close(d.done)
	err := d.watcher.Close()
	<-d.stopped
	return err
}

func (d *IPReputationDetector) Detect(ctx context.Context, facts *engine.RequestFacts, run *engine.RunState) ([]engine.Signal, error) {
	addr, err := netip.ParseAddr(facts.ClientIP)
	if err != nil {
		return []engine.Signal{{
			Schema:     "ip/v1",
			Confidence: 0.60,
			Detail:     "unparseable client address",
			Facts:      map[string]string{"client_ip": facts.ClientIP},
		}}, nil
	}

	t := d.table.Load()

	// Block takes precedence over allow: a range explicitly blocked stays
	// blocked even when a wider allowlisted range contains it.
	if p, ok := t.match(t.block, addr); ok {
		return []engine.Signal{{
			Schema:     "ip/v1",
			Confidence: 0.99,
			Detail:     "blocklisted range " + p.String(),
			Verdict:    engine.VerdictBlacklisted,
			Facts:      map[string]string{"client_ip": facts.ClientIP, "range": p.String()},
		}}, nil
	}
	if p, ok := t.match(t.allow, addr); ok {
		return []engine.Signal{{
			Schema:     "ip/v1",
			Confidence: 0.99,
			Detail:     "allowlisted range " + p.String(),
			Verdict:    engine.VerdictWhitelisted,
			Facts:      map[string]string{"client_ip": facts.ClientIP, "range": p.String()},
		}}, nil
	}
	if p, ok := t.match(t.suspect, addr); ok {
		return []engine.Signal{{
			Schema:     "ip/v1",
			Confidence: 0.80,
			Detail:     "suspect range " + p.String(),
			Facts:      map[string]string{"client_ip": facts.ClientIP, "range": p.String()},
		}}, nil
	}
	return nil, nil
}
