package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// folderLockName is the one sidecar file a store keeps in its folder. Every
// writer holds an flock on it, so processes sharing the folder never write
// the same record at once. It is never removed: unlinking it would let a
// waiter in another process lock an orphaned inode.
const folderLockName = ".lock"

// recordLocks serializes writers of one record inside this process. Entries
// exist only while a writer holds or waits for them.
type recordLocks struct {
	mu      sync.Mutex
	entries map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{entries: make(map[string]*recordLock)}
}

// lock blocks until the caller is the only writer of path in this process.
// The returned func releases it.
func (l *recordLocks) lock(path string) func() {
	l.mu.Lock()
	e, ok := l.entries[path]
	if !ok {
		e = &recordLock{}
		l.entries[path] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, path)
		}
		l.mu.Unlock()
	}
}

// size reports the number of records with a holder or waiter.
func (l *recordLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// lockFolder takes the exclusive flock on folder's sidecar file. The folder
// must exist.
func lockFolder(folder string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(folder, folderLockName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// lockRecord takes the in-process lock for path, then the folder lock.
func (s *SessionStore) lockRecord(path string) (func(), error) {
	unlockRecord := s.locks.lock(path)
	unlockFolder, err := lockFolder(s.folder)
	if err != nil {
		unlockRecord()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		unlockFolder()
		unlockRecord()
	}, nil
}
