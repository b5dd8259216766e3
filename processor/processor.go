// Package processor hands a prepared DEM to the external terrain-correction
// processor.
package processor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Settings describe how the processor is installed.
type Settings struct {
	// Binary is the processor executable. Empty disables the handoff.
	Binary string `mapstructure:"binary"`
	// WorkDir receives the per-run configuration files.
	WorkDir string `mapstructure:"work_dir"`
	// Args are passed before the configuration file path.
	Args []string `mapstructure:"args"`
	// Options are copied into every job.
	Options map[string]string `mapstructure:"options"`
}

// Enabled reports whether a processor binary is configured.
func (s Settings) Enabled() bool {
	return s.Binary != ""
}

// JobParams names the inputs of a processor run.
type JobParams struct {
	SceneID   string
	ScenePath string
	OrbitPath string
	DEMPath   string
	OutputDir string
	Options   map[string]string
}

// Job is the configuration of one processor run. It cannot be changed once
// built; use NewJob to derive another one.
type Job struct {
	doc document
}

type document struct {
	SceneID   string            `toml:"scene_id"`
	ScenePath string            `toml:"scene_path"`
	OrbitPath string            `toml:"orbit_path"`
	DEMPath   string            `toml:"dem_path"`
	OutputDir string            `toml:"output_dir"`
	Options   map[string]string `toml:"options"`
}

// NewJob validates p and returns a Job holding a copy of it. Options in p
// override defaults.
func NewJob(p JobParams, defaults map[string]string) (Job, error) {
	var missing []string
	for name, v := range map[string]string{
		"scene id":   p.SceneID,
		"scene path": p.ScenePath,
		"DEM path":   p.DEMPath,
		"output dir": p.OutputDir,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Job{}, errors.Errorf("processor job is missing: %s", strings.Join(missing, ", "))
	}
	opts := make(map[string]string, len(defaults)+len(p.Options))
	for k, v := range defaults {
		opts[k] = v
	}
	for k, v := range p.Options {
		opts[k] = v
	}
	return Job{doc: document{
		SceneID:   p.SceneID,
		ScenePath: p.ScenePath,
		OrbitPath: p.OrbitPath,
		DEMPath:   p.DEMPath,
		OutputDir: p.OutputDir,
		Options:   opts,
	}}, nil
}

func (j Job) SceneID() string { return j.doc.SceneID }
func (j Job) DEMPath() string { return j.doc.DEMPath }

// Option returns a processor option.
func (j Job) Option(key string) (string, bool) {
	v, ok := j.doc.Options[key]
	return v, ok
}

// MarshalTOML serializes the job.
func (j Job) MarshalTOML() ([]byte, error) {
	return toml.Marshal(j.doc)
}

// Runner invokes the processor.
type Runner struct {
	logger   logrus.FieldLogger
	settings Settings
	fs       afero.Fs
}

func NewRunner(logger logrus.FieldLogger, settings Settings, fs afero.Fs) *Runner {
	return &Runner{
		logger:   logger.WithField("component", "processor"),
		settings: settings,
		fs:       fs,
	}
}

// Enabled reports whether jobs can be run.
func (r *Runner) Enabled() bool {
	return r.settings.Enabled()
}

// Defaults returns the options every job starts from.
func (r *Runner) Defaults() map[string]string {
	return r.settings.Options
}

// ConfigPath returns where the configuration of a job is written.
func (r *Runner) ConfigPath(j Job) string {
	return filepath.Join(r.settings.WorkDir, j.SceneID()+".toml")
}

// Run writes the job configuration and runs the processor until it exits.
// The processor output is forwarded to the logger.
func (r *Runner) Run(ctx context.Context, j Job) error {
	if !r.settings.Enabled() {
		return errors.New("processor binary is not configured")
	}
	blob, err := j.MarshalTOML()
	if err != nil {
		return errors.Wrap(err, "serializing processor configuration")
	}
	cfgPath := r.ConfigPath(j)
	if err := r.fs.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return errors.Wrap(err, "creating work directory")
	}
	if err := afero.WriteFile(r.fs, cfgPath, blob, 0644); err != nil {
		return errors.Wrap(err, "writing processor configuration")
	}

	args := append(append([]string{}, r.settings.Args...), cfgPath)
	logger := r.logger.WithFields(logrus.Fields{"scene": j.SceneID(), "binary": r.settings.Binary})
	logger.WithField("config", cfgPath).Info("Starting processor")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.settings.Binary, args...)
	cmd.Dir = r.settings.WorkDir
	stdout := &lineLogger{logger: logger}
	stderrLog := &lineLogger{logger: logger, warn: true}
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(&stderr, stderrLog)
	err = cmd.Run()
	stdout.flush()
	stderrLog.flush()
	if err != nil {
		return errors.Wrapf(err, "processor failed: %s", strings.TrimSpace(lastLine(stderr.String())))
	}
	logger.Info("Processor finished")
	return nil
}

// lineLogger logs what is written to it one line at a time.
type lineLogger struct {
	logger logrus.FieldLogger
	warn   bool
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.log(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	if len(l.buf) > 0 {
		l.log(string(l.buf))
		l.buf = nil
	}
}

func (l *lineLogger) log(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if l.warn {
		l.logger.Warn(line)
		return
	}
	l.logger.Info(line)
}

func lastLine(s string) string {
	sc := bufio.NewScanner(strings.NewReader(s))
	var last string
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			last = t
		}
	}
	return last
}

