package convert

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/backmassage/debloat/internal/cache"
	"github.com/backmassage/debloat/internal/probe"
	"github.com/backmassage/debloat/internal/registry"
	"github.com/backmassage/debloat/internal/rename"
	"github.com/backmassage/debloat/internal/score"
)

// --- fakes ---

type fakeProcess struct {
	lines  chan string
	done   chan struct{}
	mu     sync.Mutex
	exit   int
	closed bool
}

func (p *fakeProcess) Lines() <-chan string { return p.lines }

func (p *fakeProcess) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *fakeProcess) Terminate(time.Duration) { p.finish(255) }

func (p *fakeProcess) finish(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.exit = code
	close(p.lines)
	close(p.done)
}

type fakeTranscoder struct {
	exit   int
	lines  []string
	output []byte // written to the job's output path when non-nil
	hang   bool   // produce nothing until terminated

	mu    sync.Mutex
	specs []JobSpec
}

func (f *fakeTranscoder) Start(_ context.Context, spec JobSpec) (Process, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	p := &fakeProcess{lines: make(chan string, 64), done: make(chan struct{})}
	if f.hang {
		return p, nil
	}
	if f.output != nil {
		if err := os.WriteFile(spec.OutputPath, f.output, 0o644); err != nil {
			panic(err)
		}
	}
	go func() {
		for _, l := range f.lines {
			p.lines <- l
		}
		p.finish(f.exit)
	}()
	return p, nil
}

func (f *fakeTranscoder) startedSpecs() []JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]JobSpec(nil), f.specs...)
}

// floodProcess models an encoder with a backlog of buffered stderr. Like
// the real stderr pump, it only reports exit after every pending line has
// been delivered, so a consumer that stops reading wedges it.
type floodProcess struct {
	lines    chan string
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newFloodProcess() *floodProcess {
	p := &floodProcess{
		lines: make(chan string, 8),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go p.feed()
	return p
}

func (p *floodProcess) feed() {
	for {
		select {
		case p.lines <- "[hevc @ 0x55] error while decoding MB 1 1":
		case <-p.stop:
			// The backlog still in flight at termination time.
			for i := 0; i < 200; i++ {
				p.lines <- "[hevc @ 0x55] error while decoding MB 1 1"
			}
			close(p.lines)
			close(p.done)
			return
		}
	}
}

func (p *floodProcess) Lines() <-chan string { return p.lines }

func (p *floodProcess) Wait() int {
	<-p.done
	return 255
}

func (p *floodProcess) Terminate(time.Duration) {
	p.stopOnce.Do(func() { close(p.stop) })
}

type floodTranscoder struct{}

func (floodTranscoder) Start(context.Context, JobSpec) (Process, error) {
	return newFloodProcess(), nil
}

// seqTranscoder serves a scripted outcome per job, in order.
type seqTranscoder struct {
	mu    sync.Mutex
	steps []fakeTranscoder
}

func (s *seqTranscoder) Start(ctx context.Context, spec JobSpec) (Process, error) {
	s.mu.Lock()
	step := &s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step.Start(ctx, spec)
}

type stubStore struct {
	mu        sync.Mutex
	anomalies map[string]string
	stored    []string
}

func newStubStore() *stubStore {
	return &stubStore{anomalies: make(map[string]string)}
}

func (s *stubStore) SetAnomaly(path, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies[path] = code
	return code, nil
}

func (s *stubStore) StoreResult(path string, _ *probe.Result, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, path)
	return nil
}

func (s *stubStore) anomaly(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anomalies[path]
}

// statProbe probes by statting: the result mirrors the file's actual size,
// which is all the accept decision needs.
func statProbe(_ context.Context, path string) (*probe.Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &probe.Result{
		Width: 1920, Height: 1080, Codec: "hevc",
		BitrateKbps: 2000, DurationSecs: 60,
		SizeBytes: fi.Size(),
	}, nil
}

// --- fixtures ---

func testOpts() Options {
	return Options{
		Quality:         25,
		KeepBackup:      true,
		ProgressTimeout: time.Minute,
		TermGrace:       time.Second,
	}
}

func writeSource(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
	return path
}

func seedRegistry(t *testing.T, path string, size int64) *registry.Registry {
	t.Helper()
	reg := registry.New(score.Policy{
		BloatThreshold: 1600,
		AllowedCodecs:  score.CodecsX26x,
		MinShrinkPct:   10,
	})
	reg.Upsert(&cache.Entry{
		Path: path,
		Probe: &probe.Result{
			Width: 1920, Height: 1080, Codec: "h264",
			BitrateKbps: 8000, DurationSecs: 60,
			SizeBytes: size,
		},
	})
	reg.AutoSelect()
	require.True(t, reg.IsSelected(path))
	return reg
}

func candidateView(t *testing.T, reg *registry.Registry, path string) registry.CandidateView {
	t.Helper()
	for _, c := range reg.Snapshot().Candidates {
		if c.Path == path {
			return c
		}
	}
	t.Fatalf("candidate %q not in snapshot", path)
	return registry.CandidateView{}
}

func runSupervisor(t *testing.T, sup *Supervisor) {
	t.Helper()
	require.NoError(t, sup.Start(context.Background()))
	sup.Wait()
}

// --- supervisor scenarios ---

func TestSupervisor_AcceptedConversion(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	srt := writeSource(t, dir, "The.Show.S01E02.en.srt", 10)
	reg := seedRegistry(t, src, 1000)
	store := newStubStore()
	tr := &fakeTranscoder{exit: 0, output: bytes.Repeat([]byte("y"), 200)}

	sup := New(testOpts(), reg, store, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	newPath := filepath.Join(dir, "The Show S01E02 [1080p x265].mkv")
	assert.FileExists(t, newPath)
	assert.FileExists(t, filepath.Join(dir, "ORIG.The.Show.S01E02.mkv"))
	assert.NoFileExists(t, src)
	assert.NoFileExists(t, filepath.Join(dir, "TEMP.The Show S01E02 [1080p x265].mkv"))

	// Companion subtitle moved to the new stem.
	assert.FileExists(t, filepath.Join(dir, "The Show S01E02 [1080p x265].en.srt"))
	assert.NoFileExists(t, srt)

	c := candidateView(t, reg, src)
	assert.Equal(t, registry.Done, c.Phase)
	assert.False(t, c.Selected)
	require.NotNil(t, c.Last)
	assert.Equal(t, newPath, c.Last.NewPath)
	assert.Equal(t, int64(-800), reg.Snapshot().NetBytes)

	// Converted file recorded in the cache under its new name.
	assert.Equal(t, []string{newPath}, store.stored)
}

func TestSupervisor_DeleteOriginalWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "Some.Film.2019.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	tr := &fakeTranscoder{exit: 0, output: bytes.Repeat([]byte("y"), 200)}

	opts := testOpts()
	opts.KeepBackup = false
	sup := New(opts, reg, nil, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	assert.NoFileExists(t, src)
	assert.NoFileExists(t, filepath.Join(dir, "ORIG.Some.Film.2019.mkv"))
	assert.FileExists(t, filepath.Join(dir, "Some Film (2019) [1080p x265].mkv"))
}

func TestSupervisor_InsufficientShrink(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	store := newStubStore()
	// 5% shrink is under the 10% floor.
	tr := &fakeTranscoder{exit: 0, output: bytes.Repeat([]byte("y"), 950)}

	sup := New(testOpts(), reg, store, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	// Original untouched, temp gone, candidate parked as OPT.
	assert.FileExists(t, src)
	assert.NoFileExists(t, filepath.Join(dir, "TEMP.The Show S01E02 [1080p x265].mkv"))
	c := candidateView(t, reg, src)
	assert.Equal(t, registry.InsufficientShrink, c.Phase)
	assert.False(t, c.Selected)
	assert.Equal(t, "OPT", store.anomaly(src))
}

func TestSupervisor_FailedConversion(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	store := newStubStore()
	tr := &fakeTranscoder{
		exit:  1,
		lines: []string{"error while decoding MB 4 2", "Last message repeated 5 times"},
	}

	sup := New(testOpts(), reg, store, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	assert.FileExists(t, src)
	c := candidateView(t, reg, src)
	assert.Equal(t, registry.Failed, c.Phase)
	assert.Equal(t, 1, c.FailCount)
	assert.True(t, c.Selected, "a failure keeps the selection for retry")
	assert.Equal(t, "Er", store.anomaly(src))
}

func TestSupervisor_CancelRevertsInFlight(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	tr := &fakeTranscoder{hang: true}

	sup := New(testOpts(), reg, nil, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := sup.Active()
		return ok
	}, time.Second, 5*time.Millisecond)

	sup.Cancel()
	sup.Wait()

	assert.FileExists(t, src)
	c := candidateView(t, reg, src)
	assert.Equal(t, registry.NotStarted, c.Phase)
	assert.True(t, c.Selected)
	assert.Equal(t, 0, c.FailCount)
	assert.False(t, sup.Running())
}

func TestSupervisor_CancelDrainsPendingOutput(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)

	sup := New(testOpts(), reg, nil, floodTranscoder{}, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := sup.Active()
		return ok
	}, time.Second, 5*time.Millisecond)

	sup.Cancel()

	// The encoder still has a backlog of stderr queued at cancel time; the
	// worker must keep draining it or termination never completes.
	finished := make(chan struct{})
	go func() {
		sup.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not finish after cancel; worker wedged on pending encoder output")
	}

	c := candidateView(t, reg, src)
	assert.Equal(t, registry.NotStarted, c.Phase)
	assert.True(t, c.Selected)
}

func TestSwap_MoveFailureLeavesOriginalAndTemp(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "a.avi", 1000)
	temp := writeSource(t, dir, "TEMP.out.mkv", 200)
	blocker := writeSource(t, dir, "blocker", 10)
	fi, err := os.Stat(src)
	require.NoError(t, err)

	opts := testOpts()
	opts.KeepBackup = false
	sup := New(opts, registry.New(score.Policy{MinShrinkPct: 10}), nil, nil, rename.Standard{}, statProbe, zap.NewNop().Sugar())

	// A regular file in the destination's directory component makes the
	// move fail after nothing has been deleted yet.
	_, err = sup.swap(src, temp, filepath.Join(blocker, "out.mkv"), fi)
	require.Error(t, err)
	assert.FileExists(t, src, "original must survive a failed move")
	assert.FileExists(t, temp, "converted output must survive a failed move")
}

func TestSwap_SameNameRestoresOriginalOnFailure(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "a.mkv", 1000)
	fi, err := os.Stat(src)
	require.NoError(t, err)

	opts := testOpts()
	opts.KeepBackup = false
	sup := New(opts, registry.New(score.Policy{MinShrinkPct: 10}), nil, nil, rename.Standard{}, statProbe, zap.NewNop().Sugar())

	// Temp file missing: the original is parked as the backup, the move
	// fails, and the original must come back.
	_, err = sup.swap(src, filepath.Join(dir, "TEMP.a.mkv"), src, fi)
	require.Error(t, err)
	assert.FileExists(t, src)
	assert.NoFileExists(t, filepath.Join(dir, "ORIG.a.mkv"))
}

func TestSupervisor_RunCounters(t *testing.T) {
	dir := t.TempDir()
	big := writeSource(t, dir, "A.S01E01.mkv", 1000)
	small := writeSource(t, dir, "B.S01E01.mkv", 1000)

	reg := registry.New(score.Policy{
		BloatThreshold: 1600,
		AllowedCodecs:  score.CodecsX26x,
		MinShrinkPct:   10,
	})
	reg.Upsert(&cache.Entry{Path: big, Probe: &probe.Result{
		Width: 1920, Height: 1080, Codec: "h264", BitrateKbps: 8000, SizeBytes: 1000,
	}})
	reg.Upsert(&cache.Entry{Path: small, Probe: &probe.Result{
		Width: 1920, Height: 1080, Codec: "h264", BitrateKbps: 4000, SizeBytes: 1000,
	}})
	reg.AutoSelect()
	require.Equal(t, []string{big, small}, reg.SelectedQueue())

	// First job accepts, second fails.
	tr := &seqTranscoder{steps: []fakeTranscoder{
		{exit: 0, output: bytes.Repeat([]byte("y"), 200)},
		{exit: 1},
	}}

	core, logs := observer.New(zapcore.InfoLevel)
	sup := New(testOpts(), reg, nil, tr, rename.Standard{}, statProbe, zap.New(core).Sugar())
	runSupervisor(t, sup)

	entries := logs.FilterMessage("conversion run finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(2), fields["attempted"])
	assert.Equal(t, int64(1), fields["accepted"])
}

func TestSupervisor_SkipsVanishedSource(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	require.NoError(t, os.Remove(src))
	tr := &fakeTranscoder{exit: 0, output: []byte("y")}

	sup := New(testOpts(), reg, nil, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	assert.Empty(t, tr.startedSpecs())
	assert.Equal(t, 0, reg.Len())
}

func TestSupervisor_SkipsChangedSource(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 999) // probe disagrees with the file on disk
	tr := &fakeTranscoder{exit: 0, output: []byte("y")}

	sup := New(testOpts(), reg, nil, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	assert.Empty(t, tr.startedSpecs())
	assert.FileExists(t, src)
	assert.Equal(t, registry.NotStarted, candidateView(t, reg, src).Phase)
}

func TestSupervisor_DryRunTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	tr := &fakeTranscoder{exit: 0, output: []byte("y")}

	opts := testOpts()
	opts.DryRun = true
	sup := New(opts, reg, nil, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	runSupervisor(t, sup)

	assert.Empty(t, tr.startedSpecs())
	assert.FileExists(t, src)
	c := candidateView(t, reg, src)
	assert.Equal(t, registry.NotStarted, c.Phase)
	assert.True(t, c.Selected)
}

func TestSupervisor_StartTwiceRejected(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "The.Show.S01E02.mkv", 1000)
	reg := seedRegistry(t, src, 1000)
	tr := &fakeTranscoder{hang: true}

	sup := New(testOpts(), reg, nil, tr, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	require.NoError(t, sup.Start(context.Background()))
	assert.Error(t, sup.Start(context.Background()))
	sup.Cancel()
	sup.Wait()
}

func TestSupervisor_NothingSelected(t *testing.T) {
	reg := registry.New(score.Policy{BloatThreshold: 1600, MinShrinkPct: 10})
	sup := New(testOpts(), reg, nil, &fakeTranscoder{}, rename.Standard{}, statProbe, zap.NewNop().Sugar())
	assert.Error(t, sup.Start(context.Background()))
}

// --- command line ---

func TestBuildArgs_ScaleAndColor(t *testing.T) {
	spec := JobSpec{
		InputPath: "/m/in.mkv", OutputPath: "/m/TEMP.out.mkv",
		Quality: 25, SourceWidth: 3840, SourceHeight: 2160, MaxHeight: 1080,
		ColorSpec: "bt2020nc,~,smpte2084",
	}
	args := FFmpeg{}.BuildArgs(spec)

	assert.Equal(t, "ffmpeg", args[0])
	assert.Contains(t, args, "-vf")
	assert.Contains(t, args, "scale=1920:-2")
	assert.Contains(t, args, "bt2020nc")
	assert.Contains(t, args, "smpte2084")
	assert.Equal(t, "/m/TEMP.out.mkv", args[len(args)-1])
}

func TestBuildArgs_NoScaleWhenSmallEnough(t *testing.T) {
	spec := JobSpec{
		InputPath: "/m/in.mkv", OutputPath: "/m/out.mkv",
		Quality: 25, SourceWidth: 1920, SourceHeight: 1080, MaxHeight: 1080,
	}
	args := FFmpeg{}.BuildArgs(spec)
	assert.NotContains(t, args, "-vf")
	// Untagged sources get explicit bt709 color metadata.
	assert.Contains(t, args, "-colorspace")
	assert.Contains(t, args, "bt709")
	assert.Contains(t, args, "709")
}

func TestBuildArgs_LowPriorityPrefix(t *testing.T) {
	args := FFmpeg{}.BuildArgs(JobSpec{InputPath: "a", OutputPath: "b", LowPriority: true})
	assert.Equal(t, "nice", args[0])

	args = FFmpeg{}.BuildArgs(JobSpec{InputPath: "a", OutputPath: "b"})
	assert.Equal(t, "ffmpeg", args[0])
}

// --- progress parsing ---

func TestProgressParser_Blocks(t *testing.T) {
	p := newProgressParser()

	lines := []string{
		"frame=100",
		"fps=25.0",
		"out_time=00:01:30.500000",
		"speed=2.5x",
		"progress=continue",
	}
	var block map[string]string
	for _, l := range lines {
		if b, _, _ := p.Feed(l); b != nil {
			block = b
		}
	}
	require.NotNil(t, block)
	assert.Equal(t, "00:01:30.500000", block["out_time"])
	assert.Equal(t, "100", block["frame"])

	// Next block starts clean.
	b, _, _ := p.Feed("progress=end")
	require.NotNil(t, b)
	assert.Empty(t, b["out_time"])
}

func TestProgressParser_LogLines(t *testing.T) {
	p := newProgressParser()
	b, logLine, isLog := p.Feed("[hevc @ 0x55] error while decoding")
	assert.Nil(t, b)
	assert.True(t, isLog)
	assert.Equal(t, "[hevc @ 0x55] error while decoding", logLine)

	_, _, isLog = p.Feed("")
	assert.False(t, isLog)
}

func TestParseClock(t *testing.T) {
	assert.InDelta(t, 90.5, parseClock("00:01:30.500000"), 0.001)
	assert.InDelta(t, 3661.0, parseClock("01:01:01.000000"), 0.001)
	assert.Zero(t, parseClock("N/A"))
	assert.Zero(t, parseClock(""))
	assert.Zero(t, parseClock("-00:00:01.0"))
}

func TestSnapshot_Progress(t *testing.T) {
	started := time.Now().Add(-30 * time.Second)
	pr := snapshot(map[string]string{"out_time": "00:01:00.000000"}, started, 120)

	assert.InDelta(t, 0.5, pr.Fraction, 0.01)
	assert.InDelta(t, 60.0, pr.PositionSecs, 0.01)
	assert.InDelta(t, 2.0, pr.Speed, 0.1)      // 60 source seconds in 30 wall seconds
	assert.InDelta(t, 30.0, pr.RemainingSecs, 2.0) // 60 source seconds left at 2x
}

// --- severity ---

func TestScoreSeverity(t *testing.T) {
	lines := []string{
		"[hevc @ 0x55] error while decoding MB 4 2",
		"Last message repeated 3 times",
		"frame dropped", // not a signal
		"[matroska @ 0x56] non-monotonic DTS in output stream",
	}
	score, events := scoreSeverity(lines)
	assert.Equal(t, 10+10*3+1, score)
	assert.Equal(t, 1+3+1, events)
	assert.True(t, corrupt(score))

	score, _ = scoreSeverity([]string{"non-monotonic DTS"})
	assert.False(t, corrupt(score))
}

func TestScoreSeverity_RepeatWithoutSignal(t *testing.T) {
	score, events := scoreSeverity([]string{"Last message repeated 9 times"})
	assert.Zero(t, score)
	assert.Zero(t, events)
}
