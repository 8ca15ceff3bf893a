package content

import (
	"compress/zlib"
	"crypto/sha1"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sync"

	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// ContentHashPrefix is the canonical hash format marker.
const ContentHashPrefix = "sha1:"

// EmptyFileHash is the content hash of zero-byte plaintext.
const EmptyFileHash = "sha1:da39a3ee5e6b4b0d3255bfef95601890afd80709"

// magicHashSalt is the fixed secret prefix of the magic hash. Knowing
// the magic hash of some content proves possession of its plaintext,
// which is what unlocks cross-user dedup.
var magicHashSalt = []byte("filerift magic salt v1\x00")

// ComputeContentHash returns the canonical content hash of plaintext.
func ComputeContentHash(plaintext []byte) string {
	sum := sha1.Sum(plaintext)
	return fmt.Sprintf("%s%x", ContentHashPrefix, sum)
}

// ComputeMagicHash returns the salted magic hash of plaintext.
func ComputeMagicHash(plaintext []byte) string {
	h := sha1.New()
	h.Write(magicHashSalt)
	h.Write(plaintext)
	return fmt.Sprintf("%s%x", ContentHashPrefix, h.Sum(nil))
}

// HashSnapshot carries the digests of a finished upload stream.
type HashSnapshot struct {
	ContentHash  string
	MagicHash    string
	CRC32        uint32
	InflatedSize uint64
	DeflatedSize uint64
}

// HashPipeline consumes zlib-deflated bytes and computes, over the
// inflated output: content hash, magic hash and CRC32 IEEE, plus the
// inflated and deflated byte totals.
//
// Decompression runs on an internal goroutine fed through a pipe, so
// AddData costs no more than the hashing of the bytes it unblocks.
// Snapshot is only meaningful after Finish has returned nil.
//
// Not safe for concurrent use; the upload job serializes all calls.
type HashPipeline struct {
	pw *io.PipeWriter

	mu       sync.Mutex
	sha      hash.Hash
	mag      hash.Hash
	crc      hash.Hash32
	inflated uint64

	deflated uint64
	finished bool

	done    chan struct{}
	inflErr error
}

// NewHashPipeline starts the decompression goroutine.
func NewHashPipeline() *HashPipeline {
	pr, pw := io.Pipe()

	p := &HashPipeline{
		pw:   pw,
		sha:  sha1.New(),
		mag:  sha1.New(),
		crc:  crc32.NewIEEE(),
		done: make(chan struct{}),
	}
	p.mag.Write(magicHashSalt)

	go p.inflate(pr)
	return p
}

// inflate decompresses the piped bytes into the running digests.
func (p *HashPipeline) inflate(pr *io.PipeReader) {
	defer close(p.done)

	zr, err := zlib.NewReader(pr)
	if err != nil {
		p.inflErr = err
		pr.CloseWithError(err)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.sha.Write(buf[:n])
			p.mag.Write(buf[:n])
			p.crc.Write(buf[:n])
			p.inflated += uint64(n)
			p.mu.Unlock()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			p.inflErr = err
			pr.CloseWithError(err)
			return
		}
	}

	// The zlib stream is complete. Anything still arriving is trailing
	// garbage; keep draining so the writer never blocks, but remember
	// the corruption.
	n, _ := io.Copy(io.Discard, pr)
	if n > 0 {
		p.inflErr = fmt.Errorf("%d trailing bytes after deflate stream", n)
	}
	pr.Close()
}

// AddData feeds one chunk of deflated bytes into the pipeline.
func (p *HashPipeline) AddData(data []byte) error {
	if p.finished {
		return dalerrors.NewInternal(fmt.Errorf("AddData after Finish"))
	}
	p.deflated += uint64(len(data))
	if _, err := p.pw.Write(data); err != nil {
		// The inflate side failed; the stored cause is authoritative.
		return dalerrors.NewUploadCorrupt("bad deflate")
	}
	return nil
}

// Finish closes the input and waits for decompression to settle.
func (p *HashPipeline) Finish() error {
	if p.finished {
		return nil
	}
	p.finished = true

	p.pw.Close()
	<-p.done

	if p.inflErr != nil {
		return dalerrors.NewUploadCorrupt("bad deflate")
	}
	return nil
}

// Abort tears the pipeline down without caring about the result.
// Used on cancel so the inflate goroutine always exits.
func (p *HashPipeline) Abort() {
	if p.finished {
		return
	}
	p.finished = true
	p.pw.CloseWithError(fmt.Errorf("upload aborted"))
	<-p.done
}

// Snapshot returns the digests. Totals are partial until Finish.
func (p *HashPipeline) Snapshot() HashSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return HashSnapshot{
		ContentHash:  fmt.Sprintf("%s%x", ContentHashPrefix, p.sha.Sum(nil)),
		MagicHash:    fmt.Sprintf("%s%x", ContentHashPrefix, p.mag.Sum(nil)),
		CRC32:        p.crc.Sum32(),
		InflatedSize: p.inflated,
		DeflatedSize: p.deflated,
	}
}
