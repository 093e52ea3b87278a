package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/landmark"
	"gocv.io/x/gocv"
)

const poseScriptName = "pose_service.py"

// MoveNetEstimator implements Estimator using a Python MoveNet subprocess.
// Frames go to the process as a 4-byte big-endian length followed by JPEG
// bytes; each response is one JSON line.
type MoveNetEstimator struct {
	config    Config
	script    string
	modelPath string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewMoveNetEstimator creates a new MoveNet estimator.
// The Python process is started lazily on first estimation.
func NewMoveNetEstimator(config Config) (*MoveNetEstimator, error) {
	scriptPath := findPoseScript()
	if scriptPath == "" {
		return nil, fmt.Errorf("%s not found", poseScriptName)
	}

	return &MoveNetEstimator{
		config: config,
		script: scriptPath,
	}, nil
}

// Initialize checks that the model exists and records it for the service.
func (d *MoveNetEstimator) Initialize(modelPath string) error {
	if modelPath == "" {
		modelPath = d.config.ModelPath
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("pose model: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started && d.modelPath != modelPath {
		if err := d.shutdown(); err != nil {
			return fmt.Errorf("restart pose service: %w", err)
		}
	}
	d.modelPath = modelPath
	return nil
}

// EstimatePose analyzes a frame and returns the detected keypoints.
func (d *MoveNetEstimator) EstimatePose(frame *gocv.Mat) ([]landmark.Keypoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.modelPath == "" {
		return nil, ErrNotInitialized
	}
	if frame == nil || frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	// Encode frame as JPEG
	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()

	// Write length (4 bytes big-endian) + data
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := d.stdin.Write(length); err != nil {
		return nil, fmt.Errorf("write length: %w", err)
	}
	if _, err := d.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write data: %w", err)
	}

	line, err := d.stdout.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	keypoints, err := parsePoseResponse([]byte(line))
	if err != nil {
		return nil, err
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return keypoints, nil
}

// Close shuts down the Python process.
func (d *MoveNetEstimator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *MoveNetEstimator) ensureStarted() error {
	if d.started {
		return nil
	}

	// Use virtual environment Python if available
	pythonPath := findVenvPython()
	if pythonPath == "" {
		pythonPath = "python3"
	}

	d.cmd = exec.Command(pythonPath, d.script,
		"--model", d.modelPath,
		"--min-score", strconv.FormatFloat(d.config.MinConfidence, 'f', -1, 64),
	)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start pose service: %w", err)
	}

	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.lastUsed = time.Now()

	return nil
}

func (d *MoveNetEstimator) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func (d *MoveNetEstimator) resetIdleTimer() {
	if d.config.IdleTimeoutSec <= 0 {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(time.Duration(d.config.IdleTimeoutSec)*time.Second, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

// poseResponse is the JSON line written by the pose service.
type poseResponse struct {
	Keypoints [][]float64 `json:"keypoints"`
	Score     float64     `json:"score"`
	Error     string      `json:"error,omitempty"`
}

func parsePoseResponse(line []byte) ([]landmark.Keypoint, error) {
	var resp poseResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("pose service: %s", resp.Error)
	}
	if len(resp.Keypoints) == 0 {
		return nil, nil
	}
	if len(resp.Keypoints) != landmark.NumKeypoints {
		return nil, fmt.Errorf("pose service returned %d keypoints, want %d", len(resp.Keypoints), landmark.NumKeypoints)
	}

	out := make([]landmark.Keypoint, len(resp.Keypoints))
	for i, kp := range resp.Keypoints {
		if len(kp) != 3 {
			return nil, fmt.Errorf("keypoint %d has %d values, want 3", i, len(kp))
		}
		out[i] = landmark.Keypoint{kp[0], kp[1], kp[2]}
	}
	return out, nil
}

func findPoseScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", poseScriptName),
		filepath.Join("..", "scripts", poseScriptName),
		filepath.Join(execDir, "scripts", poseScriptName),
		filepath.Join(os.Getenv("HOME"), ".armeasure", "scripts", poseScriptName),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".armeasure/venv/bin/python"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}
