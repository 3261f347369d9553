// decoder_test.go — 帧解码器: chunk 边界不变性 / 畸形帧跳过。
package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func decodeAll(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	dec := NewDecoder(r)
	var frames []Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frames = append(frames, f)
	}
}

const sampleStream = "data: {\"type\":\"start\",\"conversationId\":\"c1\"}\n\n" +
	"data: {\"type\":\"thinking_start\"}\n\n" +
	"data: {\"type\":\"thinking\",\"text\":\"overweegt...\"}\n\n" +
	"data: {\"type\":\"delta\",\"text\":\"De opzegtermijn \"}\n\n" +
	"data: {\"type\":\"delta\",\"text\":\"is een maand.\"}\n\n" +
	"data: {\"type\":\"done\",\"citations\":[]}\n\n"

// TestDecoderChunkBoundaryInvariance 验证逐字节解码与整块解码产出相同帧序列。
func TestDecoderChunkBoundaryInvariance(t *testing.T) {
	whole := decodeAll(t, strings.NewReader(sampleStream))
	byteWise := decodeAll(t, iotest.OneByteReader(strings.NewReader(sampleStream)))

	if len(whole) != 6 {
		t.Fatalf("whole: got %d frames, want 6", len(whole))
	}
	if len(byteWise) != len(whole) {
		t.Fatalf("byte-wise: got %d frames, want %d", len(byteWise), len(whole))
	}
	for i := range whole {
		if whole[i].Kind != byteWise[i].Kind {
			t.Errorf("frame %d: kind %q vs %q", i, whole[i].Kind, byteWise[i].Kind)
		}
		if !bytes.Equal(whole[i].Data, byteWise[i].Data) {
			t.Errorf("frame %d: data %s vs %s", i, whole[i].Data, byteWise[i].Data)
		}
	}
}

// TestDecoderSkipsMalformedFrame 验证单个畸形帧被跳过, 流整体不中断。
func TestDecoderSkipsMalformedFrame(t *testing.T) {
	raw := "data: {\"type\":\"delta\",\"text\":\"a\"}\n\n" +
		"data: {not valid json\n\n" +
		"data: {\"type\":\"delta\",\"text\":\"b\"}\n\n"

	frames := decodeAll(t, strings.NewReader(raw))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (malformed skipped)", len(frames))
	}
	for i, want := range []string{"a", "b"} {
		d, err := frames[i].DecodeText()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if d.Text != want {
			t.Errorf("frame %d: text %q, want %q", i, d.Text, want)
		}
	}
}

// TestDecoderSkipsFrameWithoutType 验证缺 type 字段的帧被跳过。
func TestDecoderSkipsFrameWithoutType(t *testing.T) {
	raw := "data: {\"text\":\"orphan\"}\n\n" +
		"data: {\"type\":\"status\",\"text\":\"zoekt bronnen\"}\n\n"
	frames := decodeAll(t, strings.NewReader(raw))
	if len(frames) != 1 || frames[0].Kind != FrameStatus {
		t.Fatalf("got %v, want single status frame", frames)
	}
}

// TestDecoderTrailingFrameAtEOF 验证流末尾不带分隔符的残余帧仍被交付。
func TestDecoderTrailingFrameAtEOF(t *testing.T) {
	raw := "data: {\"type\":\"delta\",\"text\":\"x\"}\n\n" +
		"data: {\"type\":\"done\"}" // 无结尾空行
	frames := decodeAll(t, strings.NewReader(raw))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Kind != FrameDone {
		t.Errorf("last frame kind = %q, want done", frames[1].Kind)
	}
}

// TestDecoderCRLFTolerance 验证 \r\n 行尾不破坏解析。
func TestDecoderCRLFTolerance(t *testing.T) {
	raw := "data: {\"type\":\"delta\",\"text\":\"y\"}\r\n\n"
	frames := decodeAll(t, strings.NewReader(raw))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	d, err := frames[0].DecodeText()
	if err != nil || d.Text != "y" {
		t.Errorf("text = %q (err %v), want y", d.Text, err)
	}
}

// TestDecoderEmptyStream 验证空流直接 EOF。
func TestDecoderEmptyStream(t *testing.T) {
	frames := decodeAll(t, strings.NewReader(""))
	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0", len(frames))
	}
}

// TestDecoderErrorFrameDelivered 验证 error 帧完整交付 (硬失败由状态机判定)。
func TestDecoderErrorFrameDelivered(t *testing.T) {
	raw := "data: {\"type\":\"error\",\"message\":\"model overloaded\"}\n\n"
	frames := decodeAll(t, strings.NewReader(raw))
	if len(frames) != 1 || frames[0].Kind != FrameError {
		t.Fatalf("got %v, want single error frame", frames)
	}
	d, err := frames[0].DecodeError()
	if err != nil {
		t.Fatal(err)
	}
	if d.Message != "model overloaded" {
		t.Errorf("message = %q", d.Message)
	}
}
