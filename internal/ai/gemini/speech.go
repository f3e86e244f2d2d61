package gemini

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	defaultSpeechModel = "gemini-2.5-flash-preview-tts"
	defaultVoice       = "Kore"
	defaultSampleRate  = 24000
)

// Synthesizer renders interviewer lines to WAV files with a Gemini TTS model.
type Synthesizer struct {
	models contentModel
	model  string
	voice  string
	dir    string
	logger *zap.Logger
}

// NewSynthesizer writes audio files into dir, creating it if needed.
func NewSynthesizer(client *genai.Client, model, voice, dir string, logger *zap.Logger) (*Synthesizer, error) {
	if client == nil || client.Models == nil {
		return nil, errors.New("gemini client is not initialized")
	}
	return newSynthesizer(client.Models, model, voice, dir, logger)
}

func newSynthesizer(models contentModel, model, voice, dir string, logger *zap.Logger) (*Synthesizer, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("audio directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultSpeechModel
	}
	if voice = strings.TrimSpace(voice); voice == "" {
		voice = defaultVoice
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Synthesizer{models: models, model: model, voice: voice, dir: dir, logger: logger}, nil
}

// Synthesize implements ai.Synthesizer. The returned reference is the file name
// relative to the audio directory.
func (s *Synthesizer) Synthesize(ctx context.Context, text, name string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("text must not be empty")
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", errors.New("audio name is required")
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	}

	resp, err := s.models.GenerateContent(ctx, s.model, genai.Text(text), config)
	if err != nil {
		return "", fmt.Errorf("synthesize speech: %w", err)
	}

	blob := firstAudio(resp)
	if blob == nil {
		return "", errors.New("gemini api returned no audio")
	}

	payload, ext := blob.Data, extensionFor(blob.MIMEType)
	if ext == ".wav" && !bytes.HasPrefix(payload, []byte("RIFF")) {
		payload = wavFromPCM(payload, sampleRate(blob.MIMEType))
	}

	file := strings.TrimSuffix(name, filepath.Ext(name)) + ext
	if err := writeFileAtomic(filepath.Join(s.dir, file), payload); err != nil {
		return "", err
	}

	s.logger.Debug("synthesized speech",
		zap.String("file", file),
		zap.Int("bytes", len(payload)),
		zap.String("mime_type", blob.MIMEType),
	)

	return file, nil
}

func firstAudio(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData
			}
		}
	}
	return nil
}

func extensionFor(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "audio/mpeg"), strings.HasPrefix(mimeType, "audio/mp3"):
		return ".mp3"
	default:
		// Raw PCM (audio/L16) is wrapped into a WAV container.
		return ".wav"
	}
}

func sampleRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
			return rate
		}
	}
	return defaultSampleRate
}

// wavFromPCM prepends a RIFF header for 16-bit mono little-endian PCM.
func wavFromPCM(pcm []byte, rate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".audio-*")
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close audio file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename audio file: %w", err)
	}
	return nil
}
