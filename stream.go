package ebox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/eboxcore/ebox/internal/secretbuf"
	"github.com/eboxcore/ebox/internal/wire"
)

// StreamMode distinguishes an encrypting Stream (accepts plaintext via
// Put, yields ciphertext via Get) from a decrypting one (the reverse).
type StreamMode uint8

const (
	StreamEncrypt StreamMode = 1
	StreamDecrypt StreamMode = 2
)

const (
	streamMagic         = "ESTR"
	streamHeaderVersion = 1

	// DefaultStreamChunkSize is used by InitEncrypt when chunkSize is 0.
	DefaultStreamChunkSize = 128 * 1024

	aeadIDChaCha20Poly1305 uint8 = 1

	chunkHeaderSize = 8 // seq:u32 + len:u32
)

// StreamHeader is the parsed form of the fixed preamble every Stream's
// wire output begins with: the one-shot ebox the session key is sealed
// into, the chunk size in force, and which AEAD framed the chunks.
// ParseStreamHeader produces one from bytes written by InitEncrypt;
// the caller unlocks or recovers Ebox to get the session key for
// InitDecrypt.
type StreamHeader struct {
	Version   uint8
	ChunkSize uint32
	AEADID    uint8
	Ebox      *Ebox

	raw []byte
}

func buildStreamHeader(chunkSize uint32, eboxBytes []byte) []byte {
	w := wire.NewWriter(16 + len(eboxBytes))
	w.WriteRaw([]byte(streamMagic))
	w.WriteU8(streamHeaderVersion)
	w.WriteBytes(eboxBytes)
	w.WriteU32(chunkSize)
	w.WriteU8(aeadIDChaCha20Poly1305)
	return w.Bytes()
}

// ParseStreamHeader parses a header produced by InitEncrypt. buf must
// be exactly the header bytes (the chunk stream that follows it is
// framed and transmitted separately).
func ParseStreamHeader(buf []byte) (*StreamHeader, error) {
	const op = "ebox.ParseStreamHeader"
	r := wire.NewReader(buf)

	magic, err := r.ReadRaw(len(streamMagic))
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if string(magic) != streamMagic {
		return nil, wrapErr(op, KindInvalidFormat, fmt.Errorf("bad stream magic %q", magic))
	}
	version, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if version != streamHeaderVersion {
		return nil, wrapErr(op, KindUnsupportedVersion, fmt.Errorf("stream header version %d", version))
	}
	eboxBytes, err := r.ReadBytes()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	chunkSize, err := r.ReadU32()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	aeadID, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if aeadID != aeadIDChaCha20Poly1305 {
		return nil, wrapErr(op, KindUnsupportedVersion, fmt.Errorf("unknown stream AEAD id %d", aeadID))
	}

	eb, err := ParseEbox(eboxBytes)
	if err != nil {
		return nil, err
	}

	return &StreamHeader{
		Version:   version,
		ChunkSize: chunkSize,
		AEADID:    aeadID,
		Ebox:      eb,
		raw:       append([]byte(nil), buf...),
	}, nil
}

// Stream is a chunked AEAD container whose per-stream symmetric key is
// itself sealed into a one-shot ebox embedded in the stream header.
// Put/Get operate over scatter/gather byte vectors with backpressure:
// while the undrained output is at or past the stream's internal
// bound, Put consumes zero bytes until the caller drains it with Get.
// A Put made below the bound consumes all of its input, even if the
// output it produces goes past the bound.
type Stream struct {
	mode        StreamMode
	chunkSize   uint32
	maxBuffered int
	aead        cipher.AEAD
	headerDigest [32]byte

	nextSeq    uint32
	terminated bool
	closed     bool

	inBuf  []byte
	outBuf []byte

	sessionKeyBuf *secretbuf.Buffer

	log *slog.Logger
	met *Metrics
}

// InitEncrypt starts a new encrypting stream: it generates a random
// session key, seals it into a one-shot ebox using tpl, and returns
// the Stream plus the serialized header the caller must transmit or
// store ahead of the chunk stream. chunkSize of 0 uses
// DefaultStreamChunkSize.
func InitEncrypt(tpl *Template, chunkSize uint32) (*Stream, []byte, error) {
	const op = "ebox.InitEncrypt"
	if chunkSize == 0 {
		chunkSize = DefaultStreamChunkSize
	}

	keyBuf := secretbuf.Alloc(chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, keyBuf.Bytes()); err != nil {
		keyBuf.Free()
		return nil, nil, wrapErr(op, KindCrypto, err)
	}

	sealed, err := Create(tpl, keyBuf.Bytes(), nil)
	if err != nil {
		keyBuf.Free()
		return nil, nil, err
	}
	header := buildStreamHeader(chunkSize, sealed.Serialize())

	aead, err := chacha20poly1305.New(keyBuf.Bytes())
	if err != nil {
		keyBuf.Free()
		return nil, nil, wrapErr(op, KindCrypto, err)
	}

	s := &Stream{
		mode:         StreamEncrypt,
		chunkSize:    chunkSize,
		maxBuffered:  4 * int(chunkSize),
		aead:         aead,
		headerDigest: sha256.Sum256(header),
		sessionKeyBuf: keyBuf,
	}
	s.logger().Info("stream encrypt initialized",
		slog.String("chunk_size", humanize.IBytes(uint64(chunkSize))),
		slog.String("max_buffered", humanize.IBytes(uint64(s.maxBuffered))))
	return s, header, nil
}

// InitDecrypt starts a decrypting stream from a parsed header and the
// session key recovered by unlocking or recovering header.Ebox.
func InitDecrypt(header *StreamHeader, sessionKey []byte) (*Stream, error) {
	const op = "ebox.InitDecrypt"
	if len(sessionKey) != chacha20poly1305.KeySize {
		return nil, wrapErr(op, KindInvalidArg, fmt.Errorf("session key must be %d bytes, got %d", chacha20poly1305.KeySize, len(sessionKey)))
	}
	keyBuf := secretbuf.FromBytes(append([]byte(nil), sessionKey...))
	aead, err := chacha20poly1305.New(keyBuf.Bytes())
	if err != nil {
		keyBuf.Free()
		return nil, wrapErr(op, KindCrypto, err)
	}
	chunkSize := header.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultStreamChunkSize
	}
	return &Stream{
		mode:         StreamDecrypt,
		chunkSize:    chunkSize,
		maxBuffered:  4 * int(chunkSize),
		aead:         aead,
		headerDigest: sha256.Sum256(header.raw),
		sessionKeyBuf: keyBuf,
	}, nil
}

// SetLogger attaches logger to s; subsequent operations log through it.
func (s *Stream) SetLogger(logger *slog.Logger) { s.log = logger }

func (s *Stream) logger() *slog.Logger {
	if s.log == nil {
		return NopLogger()
	}
	return s.log
}

// SetMetrics attaches m to s; subsequent operations record against it.
func (s *Stream) SetMetrics(m *Metrics) { s.met = m }

func (s *Stream) metrics() *Metrics {
	if s.met == nil {
		return nopMetrics
	}
	return s.met
}

func (s *Stream) nonceFor(seq uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], seq)
	return nonce
}

// Put feeds data into the stream: plaintext for an encrypt-mode
// stream, the raw chunk byte stream for a decrypt-mode one. It
// returns the number of bytes consumed, which may be less than the
// total size of vecs if the stream's undrained output is already at
// its bound — the caller must Get() and retry.
func (s *Stream) Put(vecs [][]byte) (int, error) {
	const op = "ebox.Stream.Put"
	if s.closed {
		return 0, wrapErr(op, KindInvalidState, fmt.Errorf("stream is closed"))
	}
	if s.mode == StreamDecrypt && s.terminated {
		return 0, wrapErr(op, KindInvalidState, fmt.Errorf("stream already reached its terminator chunk"))
	}
	if len(s.outBuf) >= s.maxBuffered {
		return 0, nil
	}

	consumed := 0
	for _, vec := range vecs {
		s.inBuf = append(s.inBuf, vec...)
		consumed += len(vec)
	}

	var err error
	if s.mode == StreamEncrypt {
		s.emitChunks()
	} else {
		err = s.decryptChunks()
	}
	if err != nil {
		s.metrics().streamChunks.WithLabelValues("decrypt", "corrupt").Inc()
		return consumed, err
	}
	return consumed, nil
}

// Get drains produced output (ciphertext for an encrypt-mode stream,
// verified plaintext for a decrypt-mode one) into vecs, returning the
// number of bytes written.
func (s *Stream) Get(vecs [][]byte) (int, error) {
	produced := 0
	for _, vec := range vecs {
		if len(s.outBuf) == 0 {
			break
		}
		n := copy(vec, s.outBuf)
		s.outBuf = s.outBuf[n:]
		produced += n
		if n < len(vec) {
			break
		}
	}
	return produced, nil
}

// emitChunks seals every full chunkSize-sized block currently buffered
// in inBuf, appending each sealed chunk to outBuf.
func (s *Stream) emitChunks() {
	for uint32(len(s.inBuf)) >= s.chunkSize {
		plaintext := s.inBuf[:s.chunkSize]
		s.sealChunk(plaintext)
		s.inBuf = s.inBuf[s.chunkSize:]
	}
}

func (s *Stream) sealChunk(plaintext []byte) {
	seq := s.nextSeq
	s.nextSeq++
	ciphertext := s.aead.Seal(nil, s.nonceFor(seq), plaintext, s.headerDigest[:])

	w := wire.NewWriter(chunkHeaderSize + len(ciphertext))
	w.WriteU32(seq)
	w.WriteU32(uint32(len(plaintext)))
	w.WriteRaw(ciphertext)
	s.outBuf = append(s.outBuf, w.Bytes()...)
	s.metrics().streamChunks.WithLabelValues("encrypt", "ok").Inc()
}

// decryptChunks parses and authenticates every complete chunk
// currently buffered in inBuf, appending verified plaintext to outBuf.
// A chunk's plaintext is never appended until its AEAD tag verifies.
func (s *Stream) decryptChunks() error {
	const op = "ebox.Stream.decryptChunks"
	for {
		if s.terminated {
			if len(s.inBuf) > 0 {
				return wrapErr(op, KindCorrupt, fmt.Errorf("data follows stream terminator"))
			}
			return nil
		}
		if len(s.inBuf) < chunkHeaderSize {
			return nil
		}
		seq := binary.BigEndian.Uint32(s.inBuf[0:4])
		declLen := binary.BigEndian.Uint32(s.inBuf[4:8])
		ciphertextLen := int(declLen) + s.aead.Overhead()
		total := chunkHeaderSize + ciphertextLen
		if len(s.inBuf) < total {
			return nil // wait for more bytes
		}
		if seq != s.nextSeq {
			return wrapErr(op, KindCorrupt, fmt.Errorf("out-of-order chunk: got seq %d, want %d", seq, s.nextSeq))
		}
		ciphertext := s.inBuf[chunkHeaderSize:total]

		plaintext, err := s.aead.Open(nil, s.nonceFor(seq), ciphertext, s.headerDigest[:])
		if err != nil {
			return wrapErr(op, KindCorrupt, fmt.Errorf("chunk %d failed to authenticate: %w", seq, err))
		}
		s.inBuf = s.inBuf[total:]
		s.nextSeq++

		if declLen == 0 {
			s.terminated = true
			s.metrics().streamChunks.WithLabelValues("decrypt", "terminator").Inc()
			continue
		}
		s.outBuf = append(s.outBuf, plaintext...)
		s.metrics().streamChunks.WithLabelValues("decrypt", "ok").Inc()
	}
}

// Terminated reports whether a decrypt-mode stream has consumed its
// terminator chunk.
func (s *Stream) Terminated() bool { return s.terminated }

// Close finalizes the stream. For an encrypt-mode stream it flushes
// any short final chunk plus the zero-length terminator chunk (both
// appended to outBuf for a final Get). For a decrypt-mode stream that
// never reached its terminator chunk, Close reports KindCorrupt if
// there's a partial, never-to-complete chunk still buffered (the
// stream was truncated) and KindInvalidState if the input simply ended
// cleanly on a chunk boundary without a terminator ever arriving.
// Close always wipes the stream's session key.
func (s *Stream) Close() error {
	const op = "ebox.Stream.Close"
	if s.closed {
		return nil
	}
	defer func() {
		s.closed = true
		if s.sessionKeyBuf != nil {
			s.sessionKeyBuf.Free()
		}
		secretbuf.ZeroBytes(s.inBuf)
		if s.mode == StreamDecrypt {
			secretbuf.ZeroBytes(s.outBuf)
			s.outBuf = nil
		}
	}()

	if s.mode == StreamEncrypt {
		if len(s.inBuf) > 0 {
			s.sealChunk(s.inBuf)
			s.inBuf = nil
		}
		s.sealChunk(nil)
		return nil
	}

	if !s.terminated {
		if len(s.inBuf) > 0 {
			s.logger().Warn("decrypt stream closed with a truncated trailing chunk")
			s.metrics().streamChunks.WithLabelValues("decrypt", "corrupt").Inc()
			return wrapErr(op, KindCorrupt, fmt.Errorf("stream truncated: %d trailing bytes never formed a complete chunk", len(s.inBuf)))
		}
		s.logger().Warn("decrypt stream closed without reaching its terminator chunk")
		return wrapErr(op, KindInvalidState, fmt.Errorf("stream closed before terminator chunk"))
	}
	return nil
}
