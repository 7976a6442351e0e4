package agentfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionManifestName = "session.json"

// Session is one persistent filesystem instance under the state
// directory: a store database plus a manifest describing how it mounts.
type Session struct {
	Id        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// BaseDir, when set, mounts the session as an overlay over this
	// host directory instead of a plain filesystem.
	BaseDir   string `json:"base_dir,omitempty"`
	ChunkSize uint64 `json:"chunk_size"`

	// Dir is where the session lives on disk, not serialized.
	Dir string `json:"-"`
}

func (s *Session) StorePath() string {
	return filepath.Join(s.Dir, "store.db")
}

// StateDir returns the directory sessions live in, $AGENTFS_DIR when set
// and ~/.agentfs otherwise.
func StateDir() (string, error) {
	if dir := os.Getenv("AGENTFS_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentfs"), nil
}

type CreateSessionOpts struct {
	BaseDir   string
	ChunkSize uint64
}

// CreateSession allocates a session id, formats its store and writes the
// manifest.
func CreateSession(opts CreateSessionOpts) (Session, error) {
	stateDir, err := StateDir()
	if err != nil {
		return Session{}, err
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DEFAULT_CHUNK_SIZE
	}
	session := Session{
		Id:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		BaseDir:   opts.BaseDir,
		ChunkSize: chunkSize,
	}
	session.Dir = filepath.Join(stateDir, "sessions", session.Id)

	if err := os.MkdirAll(session.Dir, 0o700); err != nil {
		return Session{}, err
	}
	if err := Mkfs(session.StorePath(), MkfsOpts{ChunkSize: chunkSize}); err != nil {
		_ = os.RemoveAll(session.Dir)
		return Session{}, err
	}
	if err := writeSessionManifest(session); err != nil {
		_ = os.RemoveAll(session.Dir)
		return Session{}, err
	}
	return session, nil
}

func writeSessionManifest(session Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(session.Dir, sessionManifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(session.Dir, sessionManifestName))
}

func readSessionManifest(dir string) (Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionManifestName))
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, err
	}
	session.Dir = dir
	return session, nil
}

// ListSessions returns every session in the state directory ordered by
// creation time. Directories with unreadable manifests are skipped.
func ListSessions() ([]Session, error) {
	stateDir, err := StateDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(stateDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		session, err := readSessionManifest(filepath.Join(stateDir, "sessions", entry.Name()))
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// ResolveSession finds a session by full id or unique id prefix.
func ResolveSession(idOrPrefix string) (Session, error) {
	sessions, err := ListSessions()
	if err != nil {
		return Session{}, err
	}
	var matches []Session
	for _, session := range sessions {
		if session.Id == idOrPrefix {
			return session, nil
		}
		if strings.HasPrefix(session.Id, idOrPrefix) {
			matches = append(matches, session)
		}
	}
	switch len(matches) {
	case 0:
		return Session{}, fmtErr(ErrNotExist, "session %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return Session{}, fmtErr(ErrInvalid, "session prefix %q is ambiguous", idOrPrefix)
	}
}

// RemoveSession deletes a session's store and manifest.
func RemoveSession(idOrPrefix string) error {
	session, err := ResolveSession(idOrPrefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(session.Dir)
}

// OpenSession opens a session's store and builds the filesystem it
// describes, an overlay when a base directory is configured.
func OpenSession(session Session, opts AttachOpts) (FileSystem, error) {
	store, err := OpenStore(session.StorePath(), OpenStoreOpts{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	fs, err := Attach(store, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if session.BaseDir == "" {
		return fs, nil
	}
	base, err := NewHostFs(session.BaseDir)
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	overlay, err := NewOverlay(base, fs, opts.Logger)
	if err != nil {
		_ = fs.Close()
		return nil, err
	}
	return overlay, nil
}
