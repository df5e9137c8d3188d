package eventbus

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// fileTracking tracks in-memory stats for the current file.
type fileTracking struct {
	uncompressedSize int64
	lineCount        int64
}

// Bus is a file-based EventBus. One Bus is created per account (spec.md §6:
// "DC_ACCOUNTS_PATH addresses a directory of per-account state"), living at
// <account dir>/events.
type Bus struct {
	Dir string

	tracking map[string]*fileTracking
}

// NewBus creates an EventBus using the specified directory.
func NewBus(dir string) *Bus {
	return &Bus{
		Dir:      dir,
		tracking: make(map[string]*fileTracking),
	}
}

// ForAccount creates an EventBus rooted at <accountDir>/events, the layout
// every scheduler/RPC component in this core shares.
func ForAccount(accountDir string) *Bus {
	return NewBus(filepath.Join(accountDir, "events"))
}

// Init initializes the event directory, creating necessary subdirectories
// and the first events file.
func (b *Bus) Init(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := os.MkdirAll(filepath.Join(b.Dir, "markers"), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	_, err := b.latestName()
	if err != nil {
		_, err = b.createNewFile(1)
		return err
	}
	return nil
}

// Add adds an event to the EventBus. Protected by an exclusive lock.
//
// ctx bounds the lock wait: every scheduler worker in this core is required
// to honor `stop()` within 30 seconds even while blocked in I/O (spec.md §8
// property 9), and the lock acquired here is a PID-tagged file a concurrent
// process can hold for the retry loop's full duration — so a cancelled ctx
// must be able to abort the wait rather than let a loop's shutdown hang on
// a file lock held by some other, possibly stuck, process.
func (b *Bus) Add(ctx context.Context, typ, channel string, payload json.RawMessage) (*Event, error) {
	unlock, err := b.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := b.Init(ctx); err != nil {
		return nil, err
	}

	evt := &Event{
		ID:        generateID(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Channel:   channel,
		Payload:   payload,
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	line = append(line, '\n')

	latestFile, err := b.latestName()
	if err != nil {
		return nil, err
	}

	tracking := b.getTracking(latestFile)
	if tracking.uncompressedSize+int64(len(line))+RotationHeadroom >= MaxUncompressedSize {
		seq := parseSeq(latestFile)
		newFile, err := b.createNewFile(seq + 1)
		if err != nil {
			return nil, fmt.Errorf("rotation failed: %w", err)
		}
		latestFile = newFile
		tracking = b.getTracking(latestFile)
	}

	fpath := filepath.Join(b.Dir, latestFile)
	f, err := os.OpenFile(fpath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(line); err != nil {
		return nil, fmt.Errorf("failed to write event: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	tracking.uncompressedSize += int64(len(line))
	tracking.lineCount++

	return evt, nil
}

// Emit is a convenience wrapper for the scheduler loops and the RPC server:
// marshal payload and Add it under typ/channel. Callers never propagate an
// Emit error as a loop failure: the scheduler loops discard it and send_msg
// logs it (spec.md §8: a blocked or
// broken event sink must never stall a folder loop).
func (b *Bus) Emit(ctx context.Context, typ, channel string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return b.Add(ctx, typ, channel, raw)
}

// List lists new events starting from the marker position of the specified
// reader channel; events are returned whatever channel they were added
// under. If the reader channel has no marker, starts from the earliest
// file. limit <= 0 means no limit.
func (b *Bus) List(ctx context.Context, channel string, limit int) ([]EventEntry, error) {
	unlock, err := b.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	marker, err := b.LoadMarker(ctx, channel)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	files, err := b.listFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	var startFile string
	var startOffset int64

	if marker != nil {
		startFile = marker.File
		startOffset = marker.Offset
	} else {
		startFile = files[0]
		startOffset = 0
	}

	startIdx := 0
	for i, f := range files {
		if f == startFile {
			startIdx = i
			break
		}
	}

	var entries []EventEntry
	for i := startIdx; i < len(files); i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f := files[i]
		offset := int64(0)
		if i == startIdx {
			offset = startOffset
		}

		events, err := b.readFile(f, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		entries = append(entries, events...)
		if limit > 0 && len(entries) >= limit {
			entries = entries[:limit]
			break
		}
	}

	return entries, nil
}

// Mark updates the consumption position for a channel.
func (b *Bus) Mark(ctx context.Context, channel string, pos Position) error {
	unlock, err := b.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	fpath := filepath.Join(b.Dir, pos.File)
	if _, err := os.Stat(fpath); err != nil {
		return fmt.Errorf("event file %s does not exist: %w", pos.File, err)
	}

	m := &Marker{
		File:      pos.File,
		Offset:    pos.Offset,
		UpdatedAt: time.Now().UTC(),
	}

	return b.SaveMarker(ctx, channel, m)
}

// Status returns the status of the specified file; an empty name means the
// latest file.
func (b *Bus) Status(ctx context.Context, name string) (*FileStatus, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if name == "" {
		var err error
		name, err = b.latestName()
		if err != nil {
			return nil, fmt.Errorf("no active event file: %w", err)
		}
	}

	fpath := filepath.Join(b.Dir, name)
	fi, err := os.Stat(fpath)
	if err != nil {
		return nil, fmt.Errorf("file %s does not exist: %w", name, err)
	}

	uncompressedSize, lineCount, firstLineHash, err := b.getFileStats(name)
	if err != nil {
		return nil, err
	}

	latestName, _ := b.latestName()

	return &FileStatus{
		Name:             name,
		CompressedSize:   fi.Size(),
		UncompressedSize: uncompressedSize,
		LineCount:        lineCount,
		FirstLineHash:    firstLineHash,
		IsLatest:         name == latestName,
	}, nil
}

// ListFiles returns all event file names in sequence order.
func (b *Bus) ListFiles(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return b.listFiles()
}

// --- Internal methods ---

func (b *Bus) getTracking(file string) *fileTracking {
	if b.tracking[file] == nil {
		b.tracking[file] = &fileTracking{}
	}
	return b.tracking[file]
}

// lock acquires an exclusive lock via a PID-tagged lockfile, reclaiming it
// if the holding process is no longer alive. Returns an unlock function.
//
// The retry wait (up to 50 * 100ms) races against ctx so a caller shutting
// down doesn't sit out the full wait for a lock some other process — or the
// same process's own stuck goroutine — is holding.
func (b *Bus) lock(ctx context.Context) (func(), error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	lockPath := filepath.Join(b.Dir, "events.lock")
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var f *os.File
	var err error
	for attempts := 0; attempts < 50; attempts++ {
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if os.IsExist(err) {
			if data, rerr := os.ReadFile(lockPath); rerr == nil {
				if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
					proc, _ := os.FindProcess(pid)
					if proc != nil && proc.Signal(nil) == nil {
						select {
						case <-ctx.Done():
							return nil, ctx.Err()
						case <-time.After(100 * time.Millisecond):
						}
						continue
					}
				}
			}
			os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("failed to acquire lock: %s", lockPath)
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	b.tracking = make(map[string]*fileTracking)

	return func() {
		os.Remove(lockPath)
		b.tracking = make(map[string]*fileTracking)
	}, nil
}

func (b *Bus) latestName() (string, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, "latest"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (b *Bus) setLatest(name string) error {
	return os.WriteFile(filepath.Join(b.Dir, "latest"), []byte(name+"\n"), 0o644)
}

func (b *Bus) createNewFile(seq int) (string, error) {
	uuid := generateUUID()
	rotateEvt := &Event{
		ID:        generateID(),
		Timestamp: time.Now().UTC(),
		Type:      RotateEventType,
		Channel:   "",
	}
	rotatePayload, _ := json.Marshal(RotateEvent{UUID: uuid})
	rotateEvt.Payload = rotatePayload

	rotateLine, err := json.Marshal(rotateEvt)
	if err != nil {
		return "", fmt.Errorf("failed to serialize rotate event: %w", err)
	}
	rotateLine = append(rotateLine, '\n')

	hash := hashLine(rotateLine)
	name := fmt.Sprintf("events.%03d-%s.jsonl.gz", seq, hash)
	fpath := filepath.Join(b.Dir, name)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("failed to create event file: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(rotateLine); err != nil {
		return "", fmt.Errorf("failed to write rotate event: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("failed to close gzip writer: %w", err)
	}

	b.tracking[name] = &fileTracking{
		uncompressedSize: int64(len(rotateLine)),
		lineCount:        1,
	}

	if err := b.setLatest(name); err != nil {
		return "", err
	}

	return name, nil
}

func (b *Bus) listFiles() ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events.") && strings.HasSuffix(name, ".jsonl.gz") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

func parseSeq(name string) int {
	name = strings.TrimPrefix(name, "events.")
	idx := strings.Index(name, "-")
	if idx > 0 {
		name = name[:idx]
	}
	name = strings.TrimSuffix(name, ".jsonl.gz")
	n, _ := strconv.Atoi(name)
	return n
}

func (b *Bus) getFileStats(name string) (uncompressedSize int64, lineCount int64, firstLineHash string, err error) {
	fpath := filepath.Join(b.Dir, name)
	f, err := os.Open(fpath)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, "", err
	}
	if fi.Size() == 0 {
		return 0, 0, "", nil
	}

	gr, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to open gzip: %w", err)
	}
	defer gr.Close()
	gr.Multistream(true)

	cr := &countingReader{r: gr}
	scanner := bufio.NewScanner(cr)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	lc := int64(0)
	firstLine := ""
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) > 0 {
			if lc == 0 {
				h := sha256.Sum256(line)
				firstLine = fmt.Sprintf("%x", h[:8])
			}
			lc++
		}
	}

	return cr.n, lc, firstLine, scanner.Err()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (b *Bus) readFile(name string, fromOffset int64) ([]EventEntry, error) {
	fpath := filepath.Join(b.Dir, name)
	f, err := os.Open(fpath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, nil
	}

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip: %w", err)
	}
	defer gr.Close()
	gr.Multistream(true)

	if fromOffset > 0 {
		if _, err := io.CopyN(io.Discard, gr, fromOffset); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to seek to offset: %w", err)
		}
	}

	scanner := bufio.NewScanner(gr)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	var entries []EventEntry
	currentOffset := fromOffset

	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		endOffset := currentOffset + lineLen

		if len(bytes.TrimSpace(line)) == 0 {
			currentOffset = endOffset
			continue
		}

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			currentOffset = endOffset
			continue
		}

		if evt.Type == RotateEventType {
			currentOffset = endOffset
			continue
		}

		entries = append(entries, EventEntry{
			Event:  evt,
			File:   name,
			Offset: endOffset,
		})
		currentOffset = endOffset
	}

	return entries, scanner.Err()
}
