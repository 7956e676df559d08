package vid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// ffmpeg-by-exec decode/encode. We shell out to ffmpeg/ffprobe and stream
// tightly packed rgb24 frames over a pipe. This is the only place in the
// pipeline that touches a video container.

type ffprobeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		NbFrames   string `json:"nb_frames"`
	} `json:"streams"`
}

// Probe returns the geometry and timing of the first video stream in the file.
func Probe(srcFilename string) (StreamInfo, error) {
	ffprobe, err := exec.LookPath("ffprobe")
	if err != nil {
		return StreamInfo{}, fmt.Errorf("Unable to find ffprobe in your path (%w)", err)
	}
	args := []string{
		"ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,nb_frames",
		"-of", "json",
		srcFilename,
	}
	cmd := &exec.Cmd{
		Path: ffprobe,
		Args: args,
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		outStr := ""
		if out != nil {
			outStr = string(out)
		}
		return StreamInfo{}, fmt.Errorf("ffprobe execution failed: %w (%v)", err, outStr)
	}
	parsed := ffprobeOutput{}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return StreamInfo{}, fmt.Errorf("Failed to parse ffprobe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("No video stream in %v", srcFilename)
	}
	s := parsed.Streams[0]
	info := StreamInfo{
		Width:  s.Width,
		Height: s.Height,
		NChan:  3,
		FPS:    parseFrameRate(s.RFrameRate),
	}
	if s.NbFrames != "" {
		info.FrameCount, _ = strconv.Atoi(s.NbFrames)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("Invalid video geometry %vx%v in %v", info.Width, info.Height, srcFilename)
	}
	return info, nil
}

// parseFrameRate parses ffprobe's rational frame rate (eg "30000/1001").
func parseFrameRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		v, _ := strconv.ParseFloat(r, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

type fileSource struct {
	srcFilename string
	info        StreamInfo
	cmd         *exec.Cmd
	stdout      io.ReadCloser
	stderr      *bytes.Buffer
	nextFrame   int
	closed      bool
}

// OpenFileSource starts an ffmpeg decode of the given file and returns a
// FrameSource that yields its frames as rgb24 images.
func OpenFileSource(srcFilename string) (FrameSource, error) {
	info, err := Probe(srcFilename)
	if err != nil {
		return nil, err
	}
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("Unable to find ffmpeg in your path (%w)", err)
	}
	args := []string{
		"ffmpeg",
		"-v", "error",
		"-i", srcFilename,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	}
	stderr := &bytes.Buffer{}
	cmd := &exec.Cmd{
		Path:   ffmpeg,
		Args:   args,
		Stderr: stderr,
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Failed to start ffmpeg: %w", err)
	}
	return &fileSource{
		srcFilename: srcFilename,
		info:        info,
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
	}, nil
}

func (s *fileSource) Info() StreamInfo {
	return s.info
}

func (s *fileSource) Next() (*cimg.Image, error) {
	buf := make([]byte, s.info.Width*s.info.Height*s.info.NChan)
	n, err := io.ReadFull(s.stdout, buf)
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		// A partial frame means the decoder died mid-stream.
		return nil, &DecodeError{
			SourceID: s.srcFilename,
			Frame:    s.nextFrame,
			Err:      fmt.Errorf("%w (%v)", err, strings.TrimSpace(s.stderr.String())),
		}
	}
	img := cimg.WrapImage(s.info.Width, s.info.Height, cimg.PixelFormatRGB, buf)
	s.nextFrame++
	return img, nil
}

func (s *fileSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdout.Close()
	// The decoder may still be running if we bailed before EOF.
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	return nil
}

type fileSink struct {
	dstFilename string
	shape       Shape
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stderr      *bytes.Buffer
	numWritten  int
	closed      bool
}

// NewFileSink starts an ffmpeg encode to the given file. Frames written to the
// sink must match the geometry of info, and the output preserves its frame rate.
func NewFileSink(dstFilename string, info StreamInfo) (FrameSink, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("Unable to find ffmpeg in your path (%w)", err)
	}
	fps := info.FPS
	if fps <= 0 {
		fps = 30
	}
	args := []string{
		"ffmpeg",
		"-v", "error",
		"-y", // overwrite output file
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%vx%v", info.Width, info.Height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "pipe:0",
		"-pix_fmt", "yuv420p",
		"-crf", "18", // near-lossless, so mixup sees the background the estimator produced
		dstFilename,
	}
	stderr := &bytes.Buffer{}
	cmd := &exec.Cmd{
		Path:   ffmpeg,
		Args:   args,
		Stderr: stderr,
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Failed to start ffmpeg: %w", err)
	}
	return &fileSink{
		dstFilename: dstFilename,
		shape:       info.Shape(),
		cmd:         cmd,
		stdin:       stdin,
		stderr:      stderr,
	}, nil
}

func (s *fileSink) Write(img *cimg.Image) error {
	if !FrameShape(img).Equals(s.shape) {
		return fmt.Errorf("Frame %v shape %v does not match video shape %v", s.numWritten, FrameShape(img), s.shape)
	}
	rowBytes := img.Width * img.NChan()
	for y := 0; y < img.Height; y++ {
		if _, err := s.stdin.Write(img.Pixels[y*img.Stride : y*img.Stride+rowBytes]); err != nil {
			return fmt.Errorf("Failed to write frame %v to encoder: %w (%v)", s.numWritten, err, strings.TrimSpace(s.stderr.String()))
		}
	}
	s.numWritten++
	return nil
}

func (s *fileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode of %v failed: %w (%v)", s.dstFilename, err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}
