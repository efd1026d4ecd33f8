package modman_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"modman/internal/backupstore"
	"modman/internal/modman"
	"modman/internal/modpack"
	"modman/internal/testutil"
)

type fixture struct {
	t      *testing.T
	root   string
	loc    *modman.Location
	blobs  *backupstore.MemoryStore
	engine *modman.Engine
	ids    *testutil.StubIDGenerator
}

func newFixture(t *testing.T, opts modman.EngineOptions) *fixture {
	t.Helper()

	root := t.TempDir()
	dest := filepath.Join(root, "game")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	ids := testutil.NewStubIDGenerator()
	loc, err := modman.NewLocation(root, "Game", dest,
		filepath.Join(root, "library"), filepath.Join(root, "backup"), ids)
	if err != nil {
		t.Fatalf("NewLocation() error = %v", err)
	}

	blobs := testutil.NewTestBlobStore()
	loc.Attach(testutil.NewTestStateStore(t), blobs, nil)

	if opts.Workers == 0 {
		opts.Workers = 2
	}
	return &fixture{
		t:      t,
		root:   root,
		loc:    loc,
		blobs:  blobs,
		engine: modman.NewEngine(modman.NewNopLogger(), testutil.FixedClock(), ids, opts),
		ids:    ids,
	}
}

func (f *fixture) pkg(ident string, files testutil.Files) *modpack.Package {
	f.t.Helper()
	return testutil.WritePackage(f.t, f.loc.Library, ident, files)
}

func (f *fixture) batch(title string, pkgs ...*modpack.Package) *modman.Batch {
	f.t.Helper()
	b, err := modman.NewBatch(f.root, title, 0, f.ids)
	if err != nil {
		f.t.Fatalf("NewBatch() error = %v", err)
	}
	f.setTarget(b, pkgs...)
	return b
}

func (f *fixture) setTarget(b *modman.Batch, pkgs ...*modpack.Package) {
	f.t.Helper()
	ids := make([]modpack.Identity, len(pkgs))
	for i, p := range pkgs {
		ids[i] = p.Identity()
	}
	if err := b.SetInstalled(f.loc.UUID, ids); err != nil {
		f.t.Fatalf("SetInstalled() error = %v", err)
	}
}

func (f *fixture) apply(b *modman.Batch) *modman.Result {
	f.t.Helper()
	task, err := f.engine.Apply(context.Background(), f.loc, b, modman.ApplyOptions{})
	if err != nil {
		f.t.Fatalf("Apply() error = %v", err)
	}
	return wait(f.t, task)
}

func wait(t *testing.T, task *modman.Task) *modman.Result {
	t.Helper()
	res, err := task.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return res
}

func (f *fixture) tree() testutil.Files {
	return testutil.ReadTree(f.t, f.loc.Destination)
}

func (f *fixture) applied() []string {
	f.t.Helper()
	ids, err := f.loc.ListApplied()
	if err != nil {
		f.t.Fatalf("ListApplied() error = %v", err)
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.Name
	}
	return names
}

func (f *fixture) assertTree(want testutil.Files) {
	f.t.Helper()
	if diff := testutil.EqualTrees(f.tree(), want); diff != "" {
		f.t.Errorf("destination: %s", diff)
	}
}

func assertNoFailures(t *testing.T, res *modman.Result) {
	t.Helper()
	for _, o := range res.Failed() {
		t.Errorf("%s %s failed: %v", o.Action, o.Package.Name, o.Err)
	}
	if res.State != modman.PhaseDone {
		t.Errorf("State = %v, want done", res.State)
	}
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var original = testutil.Files{
	"config/":             "",
	"config/settings.ini": "original settings",
	"readme.txt":          "vanilla",
}

func TestEngine_ApplyAndRevert(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	testutil.WriteTree(t, f.loc.Destination, original)

	a := f.pkg("Better Graphics v1.2", testutil.Files{
		"config/settings.ini": "graphics=ultra",
		"textures/sky.dds":    "sky",
		"textures/extra/":     "",
	})
	b := f.pkg("Sound Pack", testutil.Files{
		"sound/music.ogg": "music",
	})

	batch := f.batch("Full", a, b)
	res := f.apply(batch)
	assertNoFailures(t, res)
	if len(res.Succeeded()) != 2 {
		t.Fatalf("len(Succeeded()) = %d, want 2", len(res.Succeeded()))
	}

	f.assertTree(testutil.Files{
		"config/":             "",
		"config/settings.ini": "graphics=ultra",
		"readme.txt":          "vanilla",
		"textures/":           "",
		"textures/sky.dds":    "sky",
		"textures/extra/":     "",
		"sound/":              "",
		"sound/music.ogg":     "music",
	})
	if got := f.applied(); !equalNames(got, []string{"Better Graphics v1.2", "Sound Pack"}) {
		t.Errorf("applied = %v", got)
	}
	current, _ := f.loc.State().GetMeta(modman.MetaCurrentBatch)
	if current != batch.UUID() {
		t.Errorf("current batch = %q, want %q", current, batch.UUID())
	}

	f.setTarget(batch)
	res = f.apply(batch)
	assertNoFailures(t, res)

	f.assertTree(original)
	if len(f.applied()) != 0 {
		t.Errorf("applied = %v, want none", f.applied())
	}
	if f.blobs.Len() != 0 {
		t.Errorf("%d blobs left after revert", f.blobs.Len())
	}
}

func TestEngine_ApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	testutil.WriteTree(t, f.loc.Destination, original)

	a := f.pkg("A", testutil.Files{"config/settings.ini": "from A"})
	batch := f.batch("One", a)

	assertNoFailures(t, f.apply(batch))
	before := f.tree()

	res := f.apply(batch)
	assertNoFailures(t, res)
	if len(res.Outcomes) != 0 {
		t.Errorf("second apply outcomes = %+v, want none", res.Outcomes)
	}
	if diff := testutil.EqualTrees(f.tree(), before); diff != "" {
		t.Errorf("second apply changed destination: %s", diff)
	}
}

func TestEngine_ReplacesOnlyTheDifference(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})

	p1 := f.pkg("P1", testutil.Files{"p1.txt": "one"})
	p2 := f.pkg("P2", testutil.Files{"p2.txt": "two"})
	p3 := f.pkg("P3", testutil.Files{"p3.txt": "three"})

	first := f.batch("First", p1, p2)
	assertNoFailures(t, f.apply(first))

	second := f.batch("Second", p2, p3)
	res := f.apply(second)
	assertNoFailures(t, res)

	want := []modman.Outcome{
		{Package: p1.Identity(), Action: modman.ActionUninstall},
		{Package: p3.Identity(), Action: modman.ActionInstall},
	}
	if len(res.Outcomes) != len(want) {
		t.Fatalf("Outcomes = %+v, want %+v", res.Outcomes, want)
	}
	for i := range want {
		got := res.Outcomes[i]
		if got.Action != want[i].Action || got.Package.Hash != want[i].Package.Hash {
			t.Errorf("Outcomes[%d] = %+v, want %+v", i, got, want[i])
		}
	}

	if got := f.applied(); !equalNames(got, []string{"P2", "P3"}) {
		t.Errorf("applied = %v, want [P2 P3]", got)
	}
	f.assertTree(testutil.Files{"p2.txt": "two", "p3.txt": "three"})
}

func TestEngine_Conflicts(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	testutil.WriteTree(t, f.loc.Destination, original)

	a := f.pkg("A", testutil.Files{"config/settings.ini": "from A"})
	b := f.pkg("B", testutil.Files{"config/settings.ini": "from B"})

	var seen []modman.Conflict
	batch := f.batch("Both", a, b)
	task, err := f.engine.Apply(context.Background(), f.loc, batch, modman.ApplyOptions{
		OnConflict: func(c modman.Conflict) { seen = append(seen, c) },
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	res := wait(t, task)
	assertNoFailures(t, res)

	want := modman.Conflict{Path: "config/settings.ini", First: "A", Second: "B"}
	if len(res.Conflicts) != 1 || res.Conflicts[0] != want {
		t.Errorf("Conflicts = %+v, want [%+v]", res.Conflicts, want)
	}
	if len(seen) != 1 {
		t.Errorf("OnConflict called %d times, want 1", len(seen))
	}

	data, _ := os.ReadFile(filepath.Join(f.loc.Destination, "config", "settings.ini"))
	if string(data) != "from B" {
		t.Errorf("settings.ini = %q, want the later package's content", data)
	}

	f.setTarget(batch)
	assertNoFailures(t, f.apply(batch))
	f.assertTree(original)
	if f.blobs.Len() != 0 {
		t.Errorf("%d blobs left after revert", f.blobs.Len())
	}
}

func TestEngine_UninstallOutOfOrder(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	testutil.WriteTree(t, f.loc.Destination, testutil.Files{"shared.txt": "orig"})

	a := f.pkg("A", testutil.Files{"shared.txt": "A", "mods/a.dat": "a"})
	b := f.pkg("B", testutil.Files{"shared.txt": "B", "mods/b.dat": "b"})
	ctx := context.Background()

	for _, p := range []*modpack.Package{a, b} {
		task, err := f.engine.InstallOne(ctx, f.loc, p, modman.ApplyOptions{})
		if err != nil {
			t.Fatalf("InstallOne() error = %v", err)
		}
		assertNoFailures(t, wait(t, task))
	}

	task, err := f.engine.UninstallOne(ctx, f.loc, a.Identity(), modman.ApplyOptions{})
	if err != nil {
		t.Fatalf("UninstallOne() error = %v", err)
	}
	assertNoFailures(t, wait(t, task))

	f.assertTree(testutil.Files{
		"shared.txt": "B",
		"mods/":      "",
		"mods/b.dat": "b",
	})

	task, err = f.engine.UninstallOne(ctx, f.loc, modpack.Identity{Name: "b"}, modman.ApplyOptions{})
	if err != nil {
		t.Fatalf("UninstallOne() error = %v", err)
	}
	assertNoFailures(t, wait(t, task))

	f.assertTree(testutil.Files{"shared.txt": "orig"})
	if f.blobs.Len() != 0 {
		t.Errorf("%d blobs left", f.blobs.Len())
	}
}

// failingBlobs refuses reads while broken is set.
type failingBlobs struct {
	modman.BlobStore
	mu     sync.Mutex
	broken bool
}

func (b *failingBlobs) setBroken(v bool) {
	b.mu.Lock()
	b.broken = v
	b.mu.Unlock()
}

func (b *failingBlobs) Get(id string, w io.Writer) error {
	b.mu.Lock()
	broken := b.broken
	b.mu.Unlock()
	if broken {
		return errors.New("blob store offline")
	}
	return b.BlobStore.Get(id, w)
}

func TestEngine_FailedRestoreKeepsRecord(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	blobs := &failingBlobs{BlobStore: f.blobs}
	f.loc.Attach(f.loc.State(), blobs, nil)
	testutil.WriteTree(t, f.loc.Destination, testutil.Files{"readme.txt": "vanilla"})

	a := f.pkg("A", testutil.Files{"readme.txt": "patched"})
	ctx := context.Background()
	task, err := f.engine.InstallOne(ctx, f.loc, a, modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertNoFailures(t, wait(t, task))

	rec, err := f.loc.State().FindRecord(a.Hash())
	if err != nil || rec == nil {
		t.Fatalf("FindRecord() = %v, %v", rec, err)
	}
	i, ok := rec.Entry("readme.txt")
	if !ok || rec.Entries[i].BlobID != testutil.SHA256Hex([]byte("vanilla")) {
		t.Fatalf("backup entry = %+v, want blob of the original bytes", rec.Entries)
	}

	blobs.setBroken(true)
	task, err = f.engine.UninstallOne(ctx, f.loc, a.Identity(), modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, task)
	if res.State != modman.PhaseFailed {
		t.Errorf("State = %v, want failed", res.State)
	}
	if failed := res.Failed(); len(failed) != 1 || failed[0].Action != modman.ActionUninstall {
		t.Errorf("failed outcomes = %+v, want one uninstall", failed)
	}
	if got := f.applied(); !equalNames(got, []string{a.Identity().Name}) {
		t.Errorf("applied after failed restore = %v, want record kept", got)
	}
	if n := f.blobs.Len(); n != 1 {
		t.Errorf("blobs after failed restore = %d, want 1", n)
	}

	blobs.setBroken(false)
	task, err = f.engine.UninstallOne(ctx, f.loc, a.Identity(), modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertNoFailures(t, wait(t, task))
	f.assertTree(testutil.Files{"readme.txt": "vanilla"})
	if got := f.applied(); len(got) != 0 {
		t.Errorf("applied after retry = %v, want none", got)
	}
}

func TestEngine_UninstallNotApplied(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})

	task, err := f.engine.UninstallOne(context.Background(), f.loc, modpack.Identity{Hash: 1, Name: "Ghost"}, modman.ApplyOptions{})
	if err != nil {
		t.Fatalf("UninstallOne() error = %v", err)
	}
	res := wait(t, task)
	if res.State != modman.PhaseFailed {
		t.Errorf("State = %v, want failed", res.State)
	}
	if len(res.Outcomes) != 1 || !errors.Is(res.Outcomes[0].Err, modman.ErrNotApplied) {
		t.Errorf("Outcomes = %+v, want ErrNotApplied", res.Outcomes)
	}
}

// corruptPayload flips the bytes of a stored entry in a saved container.
func corruptPayload(t *testing.T, path, content string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	i := bytes.Index(data, []byte(content))
	if i < 0 {
		t.Fatalf("content %q not found in %s", content, path)
	}
	data[i] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_RollbackOnFailure(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	testutil.WriteTree(t, f.loc.Destination, original)

	broken := testutil.NewPackage(t, "Broken", testutil.Files{
		"config/settings.ini": "broken settings",
		"new/a.txt":           "fine",
		"new/z.txt":           "PAYLOAD-THAT-GETS-DAMAGED",
	})
	brokenPath := filepath.Join(f.loc.Library, "Broken"+modpack.Extension)
	if err := broken.SaveAs(brokenPath, modpack.Store, modpack.LevelNone, nil, nil); err != nil {
		t.Fatal(err)
	}
	corruptPayload(t, brokenPath, "PAYLOAD-THAT-GETS-DAMAGED")
	good := f.pkg("Good", testutil.Files{"good.txt": "good"})

	res := f.apply(f.batch("Mixed", broken, good))

	if res.State != modman.PhaseFailed {
		t.Errorf("State = %v, want failed", res.State)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].Package.Name != "Broken" {
		t.Fatalf("Failed() = %+v, want only Broken", failed)
	}
	if !errors.Is(failed[0].Err, modpack.ErrCorrupt) {
		t.Errorf("error = %v, want ErrCorrupt", failed[0].Err)
	}

	want := testutil.Files{"good.txt": "good"}
	for k, v := range original {
		want[k] = v
	}
	f.assertTree(want)
	if got := f.applied(); !equalNames(got, []string{"Good"}) {
		t.Errorf("applied = %v, want [Good]", got)
	}
	if f.blobs.Len() != 0 {
		t.Errorf("%d blobs left after rollback", f.blobs.Len())
	}
}

func TestEngine_MissingPackage(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	a := f.pkg("A", testutil.Files{"a.txt": "a"})

	batch := f.batch("Gone")
	if err := batch.SetInstalled(f.loc.UUID, []modpack.Identity{
		{Hash: 0xdead, Name: "Not In Library"},
		a.Identity(),
	}); err != nil {
		t.Fatal(err)
	}

	res := f.apply(batch)
	failed := res.Failed()
	if len(failed) != 1 || !errors.Is(failed[0].Err, modman.ErrPackageNotFound) {
		t.Fatalf("Failed() = %+v, want ErrPackageNotFound", failed)
	}
	if got := f.applied(); !equalNames(got, []string{"A"}) {
		t.Errorf("applied = %v, want [A]", got)
	}
}

func TestEngine_FindsRenamedPackageByIdentity(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	a := f.pkg("Texture Pack", testutil.Files{"t.dds": "rebuilt"})

	batch := f.batch("Stale")
	if err := batch.SetInstalled(f.loc.UUID, []modpack.Identity{{Hash: 0x1234, Name: "texture pack"}}); err != nil {
		t.Fatal(err)
	}

	assertNoFailures(t, f.apply(batch))

	reloaded, err := modman.LoadBatch(batch.Path())
	if err != nil {
		t.Fatalf("LoadBatch() error = %v", err)
	}
	got := reloaded.Installed(f.loc.UUID)
	if len(got) != 1 || got[0].Hash != a.Hash() {
		t.Errorf("batch target = %+v, want hash %s", got, a.Identity().HashString())
	}
}

func TestEngine_KeepsAppliedPackageMatchedByName(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	a := f.pkg("ModA v1", testutil.Files{"a.txt": "a"})

	task, err := f.engine.InstallOne(context.Background(), f.loc, a, modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertNoFailures(t, wait(t, task))

	batch := f.batch("Stale")
	stale := a.Identity()
	stale.Hash ^= 0xdead
	if err := batch.SetInstalled(f.loc.UUID, []modpack.Identity{stale}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res := f.apply(batch)
		assertNoFailures(t, res)
		if len(res.Outcomes) != 0 {
			t.Errorf("apply %d outcomes = %+v, want none", i, res.Outcomes)
		}
		f.assertTree(testutil.Files{"a.txt": "a"})
		if got := f.applied(); len(got) != 1 {
			t.Errorf("apply %d applied = %v, want one package", i, got)
		}
	}

	reloaded, err := modman.LoadBatch(batch.Path())
	if err != nil {
		t.Fatalf("LoadBatch() error = %v", err)
	}
	got := reloaded.Installed(f.loc.UUID)
	if len(got) != 1 || got[0].Hash != a.Hash() {
		t.Errorf("batch target = %+v, want hash %s", got, a.Identity().HashString())
	}
}

func TestEngine_BatchWithoutLocation(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	f.pkg("A", testutil.Files{"a.txt": "a"})

	batch, err := modman.NewBatch(f.root, "Elsewhere", 0, f.ids)
	if err != nil {
		t.Fatal(err)
	}
	res := f.apply(batch)
	assertNoFailures(t, res)
	if len(res.Outcomes) != 0 {
		t.Errorf("Outcomes = %+v, want none", res.Outcomes)
	}
}

func TestEngine_Protected(t *testing.T) {
	tests := []struct {
		name      string
		block     bool
		wantState modman.Phase
		wantSave  string
	}{
		{"warn", false, modman.PhaseDone, "modded"},
		{"block", true, modman.PhaseFailed, "my progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, modman.EngineOptions{Protected: []string{"*.sav"}, BlockProtected: tt.block})
			testutil.WriteTree(t, f.loc.Destination, testutil.Files{
				"saves/slot1.sav": "my progress",
				".modprotect":     "# user files\nuser.cfg\n",
				"user.cfg":        "keybinds",
			})

			p := f.pkg("Overwriter", testutil.Files{
				"saves/slot1.sav": "modded",
				"user.cfg":        "other keybinds",
			})
			res := f.apply(f.batch("Protect", p))

			if res.State != tt.wantState {
				t.Errorf("State = %v, want %v", res.State, tt.wantState)
			}
			if len(res.Conflicts) != 2 {
				t.Fatalf("Conflicts = %+v, want two protected paths", res.Conflicts)
			}
			for _, c := range res.Conflicts {
				if !c.Protected {
					t.Errorf("conflict %+v not marked protected", c)
				}
			}
			if tt.block && !errors.Is(res.Outcomes[0].Err, modman.ErrProtected) {
				t.Errorf("error = %v, want ErrProtected", res.Outcomes[0].Err)
			}

			data, _ := os.ReadFile(filepath.Join(f.loc.Destination, "saves", "slot1.sav"))
			if string(data) != tt.wantSave {
				t.Errorf("slot1.sav = %q, want %q", data, tt.wantSave)
			}
		})
	}
}

func TestEngine_MissingDependency(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})

	core := testutil.NewPackage(t, "Core Lib", testutil.Files{"core.dll": "core"})
	addon := testutil.NewPackage(t, "Addon", testutil.Files{"addon.dll": "addon"})
	addon.Depends = []string{"core lib", "Script Extender"}
	for _, p := range []*modpack.Package{core, addon} {
		if err := p.SaveAs(filepath.Join(f.loc.Library, p.Ident()+modpack.Extension), modpack.Deflate, modpack.LevelNormal, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	task, err := f.engine.InstallOne(context.Background(), f.loc, addon, modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, task)
	assertNoFailures(t, res)

	want := modman.MissingDependency{Package: "Addon", Dependency: "Script Extender"}
	if len(res.MissingDeps) != 1 || res.MissingDeps[0] != want {
		t.Errorf("MissingDeps = %+v, want [%+v]", res.MissingDeps, want)
	}
}

func TestEngine_InstallOneAlreadyApplied(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	a := f.pkg("A", testutil.Files{"a.txt": "a"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		task, err := f.engine.InstallOne(ctx, f.loc, a, modman.ApplyOptions{})
		if err != nil {
			t.Fatal(err)
		}
		res := wait(t, task)
		assertNoFailures(t, res)
		if i == 1 && len(res.Outcomes) != 0 {
			t.Errorf("second install outcomes = %+v, want none", res.Outcomes)
		}
	}
}

// blockingProgress pauses the task on its first install event until
// release is closed.
type blockingProgress struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlockingProgress() *blockingProgress {
	return &blockingProgress{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingProgress) onProgress(ev modman.Event) {
	if ev.Phase != modman.PhaseInstalling {
		return
	}
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
}

func TestEngine_Busy(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	a := f.pkg("A", testutil.Files{"a.txt": "a"})
	batch := f.batch("One", a)
	ctx := context.Background()

	block := newBlockingProgress()
	task, err := f.engine.Apply(ctx, f.loc, batch, modman.ApplyOptions{OnProgress: block.onProgress})
	if err != nil {
		t.Fatal(err)
	}
	<-block.started

	if _, err := f.engine.Apply(ctx, f.loc, batch, modman.ApplyOptions{}); !errors.Is(err, modman.ErrBusy) {
		t.Errorf("second Apply() error = %v, want ErrBusy", err)
	}
	if _, err := f.engine.PurgeLocation(ctx, f.loc, modman.ApplyOptions{}); !errors.Is(err, modman.ErrBusy) {
		t.Errorf("PurgeLocation() error = %v, want ErrBusy", err)
	}

	close(block.release)
	assertNoFailures(t, wait(t, task))

	// The lock is released once the task is done.
	task, err = f.engine.Apply(ctx, f.loc, batch, modman.ApplyOptions{})
	if err != nil {
		t.Fatalf("Apply() after completion error = %v", err)
	}
	wait(t, task)
}

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	a := f.pkg("A", testutil.Files{"a.txt": "a"})
	b := f.pkg("B", testutil.Files{"b.txt": "b"})
	batch := f.batch("Two", a, b)

	block := newBlockingProgress()
	task, err := f.engine.Apply(context.Background(), f.loc, batch, modman.ApplyOptions{OnProgress: block.onProgress})
	if err != nil {
		t.Fatal(err)
	}
	<-block.started
	task.Cancel()
	close(block.release)

	res := wait(t, task)
	if res.State != modman.PhaseAborted {
		t.Errorf("State = %v, want aborted", res.State)
	}
	if got := f.applied(); !equalNames(got, []string{"A"}) {
		t.Errorf("applied = %v, want the package in flight to finish", got)
	}
	if task.Progress().Phase != modman.PhaseAborted {
		t.Errorf("Progress().Phase = %v, want aborted", task.Progress().Phase)
	}
	current, _ := f.loc.State().GetMeta(modman.MetaCurrentBatch)
	if current != "" {
		t.Errorf("current batch = %q, want unset after abort", current)
	}
}

func TestEngine_PurgeLocation(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	testutil.WriteTree(t, f.loc.Destination, original)

	a := f.pkg("A", testutil.Files{"config/settings.ini": "A", "a/deep/file.txt": "a"})
	b := f.pkg("B", testutil.Files{"config/settings.ini": "B", "readme.txt": "B readme"})
	assertNoFailures(t, f.apply(f.batch("Both", a, b)))

	var events []modman.Event
	task, err := f.engine.PurgeLocation(context.Background(), f.loc, modman.ApplyOptions{
		OnProgress: func(ev modman.Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatal(err)
	}
	res := wait(t, task)
	assertNoFailures(t, res)

	if len(res.Outcomes) != 2 || res.Outcomes[0].Package.Name != "B" {
		t.Errorf("Outcomes = %+v, want B then A", res.Outcomes)
	}
	f.assertTree(original)
	has, err := f.loc.HasBackupData()
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("HasBackupData() = true after purge")
	}
	if len(events) == 0 || events[len(events)-1].Phase != modman.PhaseDone {
		t.Errorf("last event = %+v, want done", events)
	}
}

func TestEngine_NotAttached(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	loc, err := modman.LoadLocation(f.loc.Path())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.PurgeLocation(context.Background(), loc, modman.ApplyOptions{}); !errors.Is(err, modman.ErrNotAttached) {
		t.Errorf("PurgeLocation() error = %v, want ErrNotAttached", err)
	}
}

func TestEngine_DestinationMissing(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	if err := os.RemoveAll(f.loc.Destination); err != nil {
		t.Fatal(err)
	}

	task, err := f.engine.Apply(context.Background(), f.loc, f.batch("Any"), modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := task.Wait()
	var lerr *modman.LocationError
	if !errors.As(err, &lerr) {
		t.Fatalf("Wait() error = %v, want LocationError", err)
	}
	if res.State != modman.PhaseFailed {
		t.Errorf("State = %v, want failed", res.State)
	}
}

func TestEngine_JournalsOperations(t *testing.T) {
	f := newFixture(t, modman.EngineOptions{})
	clock := testutil.FixedClock()
	f.engine = modman.NewEngine(modman.NewNopLogger(), clock, f.ids, modman.EngineOptions{Workers: 2})
	a := f.pkg("A", testutil.Files{"a.txt": "a"})
	f.apply(f.batch("Journal", a))

	clock.Advance(time.Hour)
	task, err := f.engine.PurgeLocation(context.Background(), f.loc, modman.ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	assertNoFailures(t, wait(t, task))

	ops, err := f.loc.State().ListOperations(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[0].Operation != "purge" || ops[0].Status != "done" {
		t.Errorf("newest op = %+v", ops[0])
	}
	if ops[1].Operation != "apply" || ops[1].Parameters != "Journal" || ops[1].Status != "done" {
		t.Errorf("oldest op = %+v", ops[1])
	}
	if got := ops[0].StartedAt.Sub(ops[1].StartedAt); got != time.Hour {
		t.Errorf("purge started %v after apply, want 1h", got)
	}
}
