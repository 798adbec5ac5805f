package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/stake-plus/govvote/src/voting"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version       int                  `json:"version"`
	NextID        uint64               `json:"nextId"`
	Proposals     []voting.Proposal    `json:"proposals"`
	Ballots       []voting.Ballot      `json:"ballots"`
	Participation []voting.Participant `json:"participation"`
}

// Snapshot reads and writes the whole state as one JSON document. Writes go to a temporary
// file in the same directory which is synced and renamed over the target, so readers see
// either the old or the new snapshot.
type Snapshot struct {
	path string
}

func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

func (s *Snapshot) Path() string { return s.path }

// Load returns the stored state, or an empty state if the file does not exist yet.
func (s *Snapshot) Load() (*state, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("memory: no snapshot at %s, starting empty", s.path)
		return newState(), nil
	}
	if err != nil {
		return nil, voting.Unavailable("read snapshot", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	if file.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, want %d", s.path, file.Version, snapshotVersion)
	}

	st := newState()
	st.nextID = max(file.NextID, 1)
	for _, p := range file.Proposals {
		st.proposals[p.ID] = p
		if p.ID >= st.nextID {
			st.nextID = p.ID + 1
		}
	}
	for _, b := range file.Ballots {
		st.ballots[ballotKey{voter: b.VoterID, proposal: b.ProposalID}] = b
	}
	for _, p := range file.Participation {
		st.participation[p.UserID] = p
	}
	log.Printf("memory: loaded snapshot %s (%d proposals, %d ballots)", s.path, len(st.proposals), len(st.ballots))
	return st, nil
}

// Save writes st atomically.
func (s *Snapshot) Save(st *state) error {
	file := snapshotFile{
		Version:       snapshotVersion,
		NextID:        st.nextID,
		Proposals:     make([]voting.Proposal, 0, len(st.proposals)),
		Ballots:       make([]voting.Ballot, 0, len(st.ballots)),
		Participation: make([]voting.Participant, 0, len(st.participation)),
	}
	for _, p := range st.proposals {
		file.Proposals = append(file.Proposals, p)
	}
	for _, b := range st.ballots {
		file.Ballots = append(file.Ballots, b)
	}
	sortBallots(file.Ballots)
	for _, p := range st.participation {
		file.Participation = append(file.Participation, p)
	}

	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("memory: sync %s: %v", dir, err)
	}
}
