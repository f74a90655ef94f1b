package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const fileSuffix = ".json.zst"

// Attachment is a file posted in a ticket channel.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ProxyURL    string `json:"proxy_url,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// Message is one captured channel message.
type Message struct {
	ID          string       `json:"id"`
	AuthorID    string       `json:"author_id"`
	Author      string       `json:"author,omitempty"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Transcript is the archived conversation of a closed ticket.
type Transcript struct {
	TicketID   string    `json:"ticket_id"`
	GuildID    int64     `json:"guild_id"`
	ChannelID  int64     `json:"channel_id"`
	CreatorID  int64     `json:"creator_id"`
	CapturedAt time.Time `json:"captured_at"`
	Truncated  bool      `json:"truncated,omitempty"`
	Messages   []Message `json:"messages"`
}

// Store keeps zstd compressed JSON transcripts under a directory. Refs are
// paths relative to that directory.
type Store struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStore prepares dir for writing.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("transcript dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{dir: dir, encoder: encoder, decoder: decoder}, nil
}

// Ref returns the reference a transcript for ticketID in guildID is saved under.
func Ref(guildID int64, ticketID string) string {
	return strconv.FormatInt(guildID, 10) + "/" + ticketID + fileSuffix
}

// Save writes t and returns its ref. An existing file for the same ticket is
// replaced atomically.
func (s *Store) Save(ctx context.Context, t *Transcript) (string, error) {
	if t == nil || t.TicketID == "" || t.GuildID <= 0 {
		return "", errors.New("transcript needs a ticket id and guild id")
	}
	if strings.ContainsAny(t.TicketID, `/\`) || strings.Contains(t.TicketID, "..") {
		return "", fmt.Errorf("invalid ticket id %q", t.TicketID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	ref := Ref(t.GuildID, t.TicketID)
	path := filepath.Join(s.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create guild dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".transcript-*")
	if err != nil {
		return "", fmt.Errorf("create temp transcript: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(s.encoder.EncodeAll(raw, nil)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish transcript: %w", err)
	}
	return ref, nil
}

// Load reads the transcript stored under ref.
func (s *Store) Load(ref string) (*Transcript, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress transcript: %w", err)
	}
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &t, nil
}

// Exists reports whether ref points at a stored transcript.
func (s *Store) Exists(ref string) bool {
	path, err := s.resolve(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (s *Store) resolve(ref string) (string, error) {
	if ref == "" || !strings.HasSuffix(ref, fileSuffix) || !filepath.IsLocal(filepath.FromSlash(ref)) {
		return "", fmt.Errorf("invalid transcript ref %q", ref)
	}
	return filepath.Join(s.dir, filepath.FromSlash(ref)), nil
}

// Close releases the codec resources.
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
