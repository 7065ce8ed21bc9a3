package fairness

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	commitsFileName = "rng_commits.json"
	drawsFileName   = "rng_draws.ndjson"
)

// FileJournal is the in-memory journal plus synchronous durability: the
// commits snapshot is rewritten atomically on every commit change and each
// accepted draw is appended to an NDJSON log. Expired entries are pruned when
// the files are loaded.
type FileJournal struct {
	mu     sync.Mutex
	mem    *MemoryJournal
	dir    string
	drawsF *os.File
}

// NewFileJournal opens (or creates) the journal files under dir.
func NewFileJournal(dir string, opts ...MemoryJournalOption) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("fairness: failed to ensure data dir: %w", err)
	}
	j := &FileJournal{mem: NewMemoryJournal(opts...), dir: dir}
	if err := j.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, drawsFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("fairness: failed to open draws log: %w", err)
	}
	j.drawsF = f
	return j, nil
}

func (j *FileJournal) load() error {
	cut := j.mem.clock().UnixMilli() - j.mem.ttl.Milliseconds()

	var commits []Commit
	data, err := os.ReadFile(filepath.Join(j.dir, commitsFileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("fairness: failed to read commits snapshot: %w", err)
	default:
		var loaded []Commit
		if err := json.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("fairness: failed to decode commits snapshot: %w", err)
		}
		for _, c := range loaded {
			if c.CommittedAtMs > cut {
				commits = append(commits, c)
			}
		}
	}

	var draws []DrawRecord
	f, err := os.Open(filepath.Join(j.dir, drawsFileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("fairness: failed to open draws log: %w", err)
	default:
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec DrawRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("fairness: failed to decode draw line: %w", err)
			}
			if rec.CreatedAtMs > cut {
				draws = append(draws, rec)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("fairness: failed to scan draws log: %w", err)
		}
	}

	j.mem.seed(commits, draws)
	return nil
}

func (j *FileJournal) PutCommitIfAbsent(ctx context.Context, c Commit) (Commit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stored, err := j.mem.PutCommitIfAbsent(ctx, c)
	if err != nil {
		return Commit{}, err
	}
	if stored == c {
		if err := j.saveCommits(); err != nil {
			return Commit{}, err
		}
	}
	return stored, nil
}

func (j *FileJournal) GetCommit(ctx context.Context, dayUTC string) (Commit, bool, error) {
	return j.mem.GetCommit(ctx, dayUTC)
}

func (j *FileJournal) Reveal(ctx context.Context, dayUTC, serverSeedHex string, revealedAtMs int64) (Commit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	before, _, err := j.mem.GetCommit(ctx, dayUTC)
	if err != nil {
		return Commit{}, err
	}
	after, err := j.mem.Reveal(ctx, dayUTC, serverSeedHex, revealedAtMs)
	if err != nil {
		return Commit{}, err
	}
	if after != before {
		if err := j.saveCommits(); err != nil {
			return Commit{}, err
		}
	}
	return after, nil
}

func (j *FileJournal) PutDrawIfAbsent(ctx context.Context, rec DrawRecord) (DrawRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stored, err := j.mem.PutDrawIfAbsent(ctx, rec)
	if err != nil {
		return DrawRecord{}, err
	}
	if stored == rec {
		if err := j.appendDraw(rec); err != nil {
			return DrawRecord{}, err
		}
	}
	return stored, nil
}

func (j *FileJournal) GetDraw(ctx context.Context, caseID string, userID int64, nonce string) (DrawRecord, bool, error) {
	return j.mem.GetDraw(ctx, caseID, userID, nonce)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.drawsF == nil {
		return nil
	}
	err := j.drawsF.Close()
	j.drawsF = nil
	return err
}

// saveCommits rewrites the snapshot through a temp file so a crashed write
// never leaves a truncated snapshot behind. When rename-over is unsupported
// the replace degrades to a direct write.
func (j *FileJournal) saveCommits() error {
	list := j.mem.commitList()
	sort.Slice(list, func(a, b int) bool { return list[a].DayUTC < list[b].DayUTC })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("fairness: failed to encode commits: %w", err)
	}

	path := filepath.Join(j.dir, commitsFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("fairness: failed to write commits snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if werr := os.WriteFile(path, data, 0o600); werr != nil {
			return fmt.Errorf("fairness: failed to replace commits snapshot: %w", werr)
		}
		_ = os.Remove(tmp)
	}
	return nil
}

func (j *FileJournal) appendDraw(rec DrawRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("fairness: failed to encode draw: %w", err)
	}
	if _, err := j.drawsF.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("fairness: failed to append draw: %w", err)
	}
	return nil
}
