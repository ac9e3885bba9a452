// Package enginetest provides an in-memory aria2 engine served over the real
// websocket JSON-RPC server, for tests and local experiments.
//
// The engine keeps downloads in memory and never transfers anything; tests
// drive progress with SetProgress and Complete. Faults can be injected per
// method to exercise the client's retry and cleanup paths.
package enginetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ariactl/aria2"
	"ariactl/rpcerr"
	"ariactl/server"
)

// Version is what getVersion reports.
const Version = "1.37.0"

// TorrentSpec is the payload the fake engine accepts as a "torrent". Real
// torrents are bencoded; the fake reads this JSON form instead.
type TorrentSpec struct {
	Name  string        `json:"name"`
	Files []TorrentFile `json:"files"`
}

// TorrentFile is one file of a TorrentSpec.
type TorrentFile struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Torrent encodes a torrent payload the fake engine understands.
func Torrent(name string, files ...TorrentFile) []byte {
	data, _ := json.Marshal(TorrentSpec{Name: name, Files: files})
	return data
}

type entry struct {
	d    aria2.Download
	opts aria2.Options
}

// Engine is the in-memory download table. All methods are safe for
// concurrent use.
type Engine struct {
	mu      sync.Mutex
	nextGID uint64
	entries map[string]*entry
	queue   []string // Waiting and paused gids in queue order
	global  aria2.Options

	faults *faults
	notify func(method, gid string)
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		entries: make(map[string]*entry),
		global:  aria2.Options{"dir": "/downloads", "max-concurrent-downloads": "5"},
		faults:  newFaults(),
		notify:  func(string, string) {},
	}
}

// Mount registers the engine's methods on srv under the aria2 namespace,
// installs the fault middleware and routes engine events to srv.Notify.
func (e *Engine) Mount(srv *server.Server) error {
	if err := srv.Register("aria2", e); err != nil {
		return err
	}
	srv.Use(e.faults.middleware(func() { srv.CloseConnections() }))
	e.mu.Lock()
	e.notify = srv.Notify
	e.mu.Unlock()
	return nil
}

func notFound(gid string) error {
	return &rpcerr.RPCError{Code: server.CodeGeneric, Message: fmt.Sprintf("GID %s is not found", gid)}
}

func (e *Engine) newGIDLocked() string {
	e.nextGID++
	return fmt.Sprintf("%016x", 0x2089b05e00000000+e.nextGID)
}

func (e *Engine) addLocked(d aria2.Download, opts aria2.Options) string {
	d.GID = e.newGIDLocked()
	if d.Dir == "" {
		d.Dir = e.global["dir"]
	}
	if opts["dir"] != "" {
		d.Dir = opts["dir"]
	}
	for i := range d.Files {
		d.Files[i].Path = path.Join(d.Dir, d.Files[i].Path)
	}
	d.Status = aria2.StatusActive
	if opts["pause"] == "true" {
		d.Status = aria2.StatusPaused
		e.queue = append(e.queue, d.GID)
	}
	if d.CompletedLength == "" {
		d.CompletedLength = "0"
	}
	d.DownloadSpeed, d.UploadSpeed, d.UploadLength, d.Connections = "0", "0", "0", "0"

	stored := aria2.Options{}
	for k, v := range opts {
		if k != "pause" {
			stored[k] = v
		}
	}
	e.entries[d.GID] = &entry{d: d, opts: stored}
	return d.GID
}

func (e *Engine) emit(method, gid string) {
	e.mu.Lock()
	notify := e.notify
	e.mu.Unlock()
	notify("aria2."+method, gid)
}

// AddUri handles aria2.addUri(uris, [options]).
func (e *Engine) AddUri(params []json.RawMessage, reply *string) error {
	var uris []string
	var opts aria2.Options
	if err := bind(params, 1, &uris, &opts); err != nil {
		return err
	}
	if len(uris) == 0 {
		return server.ParamError("URI is not provided")
	}

	files := []aria2.File{{Index: "1", Path: path.Base(uris[0]), Length: "0", Selected: "true"}}
	for _, u := range uris {
		files[0].URIs = append(files[0].URIs, aria2.URI{URI: u, Status: "waiting"})
	}

	e.mu.Lock()
	*reply = e.addLocked(aria2.Download{TotalLength: "0", Files: files}, opts)
	e.mu.Unlock()
	e.emit("onDownloadStart", *reply)
	return nil
}

// AddTorrent handles aria2.addTorrent(torrent, [uris], [options]). The
// torrent must be a base64 TorrentSpec.
func (e *Engine) AddTorrent(params []json.RawMessage, reply *string) error {
	var encoded string
	var uris []string
	var opts aria2.Options
	if err := bind(params, 1, &encoded, &uris, &opts); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return server.ParamError("torrent is not base64: %v", err)
	}
	var spec TorrentSpec
	if err := json.Unmarshal(raw, &spec); err != nil || spec.Name == "" {
		return &rpcerr.RPCError{Code: server.CodeGeneric, Message: "Torrent data could not be parsed"}
	}

	d := aria2.Download{BitTorrent: &aria2.BitTorrentInfo{Mode: "multi"}}
	d.BitTorrent.Info.Name = spec.Name
	var total int64
	for i, f := range spec.Files {
		total += f.Length
		d.Files = append(d.Files, aria2.File{
			Index:           strconv.Itoa(i + 1),
			Path:            path.Join(spec.Name, f.Path),
			Length:          strconv.FormatInt(f.Length, 10),
			CompletedLength: "0",
			Selected:        "true",
		})
	}
	d.TotalLength = strconv.FormatInt(total, 10)

	e.mu.Lock()
	*reply = e.addLocked(d, opts)
	e.mu.Unlock()
	e.emit("onDownloadStart", *reply)
	return nil
}

// AddMetalink handles aria2.addMetalink(metalink, [options]). The fake reads
// one URI per non-empty line.
func (e *Engine) AddMetalink(params []json.RawMessage, reply *[]string) error {
	var encoded string
	var opts aria2.Options
	if err := bind(params, 1, &encoded, &opts); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return server.ParamError("metalink is not base64: %v", err)
	}

	e.mu.Lock()
	for _, line := range strings.Split(string(raw), "\n") {
		u := strings.TrimSpace(line)
		if u == "" {
			continue
		}
		files := []aria2.File{{Index: "1", Path: path.Base(u), Length: "0", Selected: "true", URIs: []aria2.URI{{URI: u, Status: "waiting"}}}}
		*reply = append(*reply, e.addLocked(aria2.Download{TotalLength: "0", Files: files}, opts))
	}
	e.mu.Unlock()
	if len(*reply) == 0 {
		return &rpcerr.RPCError{Code: server.CodeGeneric, Message: "No URI to download"}
	}
	return nil
}

func (e *Engine) remove(params []json.RawMessage, reply *string) error {
	var gid string
	if err := bind(params, 1, &gid); err != nil {
		return err
	}

	e.mu.Lock()
	ent, ok := e.entries[gid]
	if !ok || isStopped(ent.d.Status) {
		e.mu.Unlock()
		return &rpcerr.RPCError{Code: server.CodeGeneric, Message: fmt.Sprintf("Active Download not found for GID#%s", gid)}
	}
	ent.d.Status = aria2.StatusRemoved
	ent.d.DownloadSpeed = "0"
	e.dequeueLocked(gid)
	e.mu.Unlock()

	*reply = gid
	e.emit("onDownloadStop", gid)
	return nil
}

// Remove handles aria2.remove(gid).
func (e *Engine) Remove(params []json.RawMessage, reply *string) error {
	return e.remove(params, reply)
}

// ForceRemove handles aria2.forceRemove(gid).
func (e *Engine) ForceRemove(params []json.RawMessage, reply *string) error {
	return e.remove(params, reply)
}

func (e *Engine) pause(params []json.RawMessage, reply *string) error {
	var gid string
	if err := bind(params, 1, &gid); err != nil {
		return err
	}

	e.mu.Lock()
	ent, ok := e.entries[gid]
	if !ok || (ent.d.Status != aria2.StatusActive && ent.d.Status != aria2.StatusWaiting) {
		e.mu.Unlock()
		return &rpcerr.RPCError{Code: server.CodeGeneric, Message: fmt.Sprintf("GID#%s cannot be paused now", gid)}
	}
	if ent.d.Status == aria2.StatusActive {
		e.queue = append([]string{gid}, e.queue...)
	}
	ent.d.Status = aria2.StatusPaused
	ent.d.DownloadSpeed = "0"
	e.mu.Unlock()

	*reply = gid
	e.emit("onDownloadPause", gid)
	return nil
}

// Pause handles aria2.pause(gid).
func (e *Engine) Pause(params []json.RawMessage, reply *string) error {
	return e.pause(params, reply)
}

// ForcePause handles aria2.forcePause(gid).
func (e *Engine) ForcePause(params []json.RawMessage, reply *string) error {
	return e.pause(params, reply)
}

// Unpause handles aria2.unpause(gid); the download goes back to waiting.
func (e *Engine) Unpause(params []json.RawMessage, reply *string) error {
	var gid string
	if err := bind(params, 1, &gid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok || ent.d.Status != aria2.StatusPaused {
		return &rpcerr.RPCError{Code: server.CodeGeneric, Message: fmt.Sprintf("GID#%s cannot be unpaused now", gid)}
	}
	ent.d.Status = aria2.StatusWaiting
	*reply = gid
	return nil
}

// PauseAll handles aria2.pauseAll().
func (e *Engine) PauseAll(_ []json.RawMessage, reply *string) error {
	e.mu.Lock()
	var paused []string
	for gid, ent := range e.entries {
		if ent.d.Status == aria2.StatusActive || ent.d.Status == aria2.StatusWaiting {
			if ent.d.Status == aria2.StatusActive {
				e.queue = append(e.queue, gid)
			}
			ent.d.Status = aria2.StatusPaused
			ent.d.DownloadSpeed = "0"
			paused = append(paused, gid)
		}
	}
	e.mu.Unlock()

	for _, gid := range paused {
		e.emit("onDownloadPause", gid)
	}
	*reply = "OK"
	return nil
}

// UnpauseAll handles aria2.unpauseAll().
func (e *Engine) UnpauseAll(_ []json.RawMessage, reply *string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range e.entries {
		if ent.d.Status == aria2.StatusPaused {
			ent.d.Status = aria2.StatusWaiting
		}
	}
	*reply = "OK"
	return nil
}

// TellStatus handles aria2.tellStatus(gid, [keys]).
func (e *Engine) TellStatus(params []json.RawMessage, reply *map[string]any) error {
	var gid string
	var keys []string
	if err := bind(params, 1, &gid, &keys); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok {
		return notFound(gid)
	}
	*reply = project(ent.d, keys)
	return nil
}

// TellActive handles aria2.tellActive([keys]).
func (e *Engine) TellActive(params []json.RawMessage, reply *[]map[string]any) error {
	var keys []string
	if err := bind(params, 0, &keys); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	*reply = []map[string]any{}
	for _, gid := range e.sortedGIDsLocked() {
		if d := e.entries[gid].d; d.Status == aria2.StatusActive {
			*reply = append(*reply, project(d, keys))
		}
	}
	return nil
}

// TellWaiting handles aria2.tellWaiting(offset, num, [keys]).
func (e *Engine) TellWaiting(params []json.RawMessage, reply *[]map[string]any) error {
	var offset, num int
	var keys []string
	if err := bind(params, 2, &offset, &num, &keys); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	*reply = []map[string]any{}
	for _, gid := range window(e.queue, offset, num) {
		*reply = append(*reply, project(e.entries[gid].d, keys))
	}
	return nil
}

// TellStopped handles aria2.tellStopped(offset, num, [keys]).
func (e *Engine) TellStopped(params []json.RawMessage, reply *[]map[string]any) error {
	var offset, num int
	var keys []string
	if err := bind(params, 2, &offset, &num, &keys); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var stopped []string
	for _, gid := range e.sortedGIDsLocked() {
		if isStopped(e.entries[gid].d.Status) {
			stopped = append(stopped, gid)
		}
	}
	*reply = []map[string]any{}
	for _, gid := range window(stopped, offset, num) {
		*reply = append(*reply, project(e.entries[gid].d, keys))
	}
	return nil
}

// ChangePosition handles aria2.changePosition(gid, pos, how).
func (e *Engine) ChangePosition(params []json.RawMessage, reply *int) error {
	var gid string
	var pos int
	var how aria2.Position
	if err := bind(params, 3, &gid, &pos, &how); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := -1
	for i, g := range e.queue {
		if g == gid {
			cur = i
		}
	}
	if cur < 0 {
		return notFound(gid)
	}

	var target int
	switch how {
	case aria2.PosSet:
		target = pos
	case aria2.PosCur:
		target = cur + pos
	case aria2.PosEnd:
		target = len(e.queue) - 1 + pos
	default:
		return server.ParamError("Illegal argument: %s", how)
	}
	target = max(0, min(target, len(e.queue)-1))

	e.queue = append(e.queue[:cur], e.queue[cur+1:]...)
	e.queue = append(e.queue[:target], append([]string{gid}, e.queue[target:]...)...)
	*reply = target
	return nil
}

// ChangeOption handles aria2.changeOption(gid, options).
func (e *Engine) ChangeOption(params []json.RawMessage, reply *string) error {
	var gid string
	var opts aria2.Options
	if err := bind(params, 2, &gid, &opts); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok {
		return notFound(gid)
	}
	for k, v := range opts {
		ent.opts[k] = v
	}
	*reply = "OK"
	return nil
}

// ChangeGlobalOption handles aria2.changeGlobalOption(options).
func (e *Engine) ChangeGlobalOption(params []json.RawMessage, reply *string) error {
	var opts aria2.Options
	if err := bind(params, 1, &opts); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range opts {
		e.global[k] = v
	}
	*reply = "OK"
	return nil
}

// GetOption handles aria2.getOption(gid).
func (e *Engine) GetOption(params []json.RawMessage, reply *aria2.Options) error {
	var gid string
	if err := bind(params, 1, &gid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok {
		return notFound(gid)
	}
	*reply = aria2.Options{"dir": ent.d.Dir}
	for k, v := range ent.opts {
		(*reply)[k] = v
	}
	return nil
}

// GetGlobalOption handles aria2.getGlobalOption().
func (e *Engine) GetGlobalOption(_ []json.RawMessage, reply *aria2.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	*reply = aria2.Options{}
	for k, v := range e.global {
		(*reply)[k] = v
	}
	return nil
}

// GetGlobalStat handles aria2.getGlobalStat().
func (e *Engine) GetGlobalStat(_ []json.RawMessage, reply *aria2.GlobalStat) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var down, up int64
	var active, waiting, stopped int
	for _, ent := range e.entries {
		switch {
		case ent.d.Status == aria2.StatusActive:
			active++
			down += ent.d.Speed()
			up += parseInt(ent.d.UploadSpeed)
		case isStopped(ent.d.Status):
			stopped++
		default:
			waiting++
		}
	}
	*reply = aria2.GlobalStat{
		DownloadSpeed:   strconv.FormatInt(down, 10),
		UploadSpeed:     strconv.FormatInt(up, 10),
		NumActive:       strconv.Itoa(active),
		NumWaiting:      strconv.Itoa(waiting),
		NumStopped:      strconv.Itoa(stopped),
		NumStoppedTotal: strconv.Itoa(stopped),
	}
	return nil
}

// GetFiles handles aria2.getFiles(gid).
func (e *Engine) GetFiles(params []json.RawMessage, reply *[]aria2.File) error {
	var gid string
	if err := bind(params, 1, &gid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok {
		return notFound(gid)
	}
	*reply = append([]aria2.File{}, ent.d.Files...)
	return nil
}

// GetVersion handles aria2.getVersion().
func (e *Engine) GetVersion(_ []json.RawMessage, reply *aria2.Version) error {
	*reply = aria2.Version{
		Version:         Version,
		EnabledFeatures: []string{"BitTorrent", "Metalink", "Websocket"},
	}
	return nil
}

// RemoveDownloadResult handles aria2.removeDownloadResult(gid).
func (e *Engine) RemoveDownloadResult(params []json.RawMessage, reply *string) error {
	var gid string
	if err := bind(params, 1, &gid); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok || !isStopped(ent.d.Status) {
		return &rpcerr.RPCError{Code: server.CodeGeneric, Message: fmt.Sprintf("Could not remove download result of GID#%s", gid)}
	}
	delete(e.entries, gid)
	*reply = "OK"
	return nil
}

// PurgeDownloadResult handles aria2.purgeDownloadResult().
func (e *Engine) PurgeDownloadResult(_ []json.RawMessage, reply *string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for gid, ent := range e.entries {
		if isStopped(ent.d.Status) {
			delete(e.entries, gid)
		}
	}
	*reply = "OK"
	return nil
}

// Add queues a download of uri directly, without going through RPC.
func (e *Engine) Add(uri string, opts aria2.Options) string {
	files := []aria2.File{{Index: "1", Path: path.Base(uri), Length: "0", Selected: "true", URIs: []aria2.URI{{URI: uri, Status: "waiting"}}}}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLocked(aria2.Download{TotalLength: "0", Files: files}, opts)
}

// Tick advances every active download by its speed, as if one second had
// passed, and completes those that reach their total length.
func (e *Engine) Tick() {
	e.mu.Lock()
	var done []string
	for gid, ent := range e.entries {
		d := &ent.d
		if d.Status != aria2.StatusActive || d.Total() == 0 {
			continue
		}
		completed := min(d.Completed()+d.Speed(), d.Total())
		d.CompletedLength = strconv.FormatInt(completed, 10)
		if completed == d.Total() {
			done = append(done, gid)
		}
	}
	e.mu.Unlock()

	for _, gid := range done {
		_ = e.Complete(gid)
	}
}

// SetProgress updates the transfer counters of a download.
func (e *Engine) SetProgress(gid string, completed, total, speed int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok {
		return notFound(gid)
	}
	ent.d.CompletedLength = strconv.FormatInt(completed, 10)
	ent.d.TotalLength = strconv.FormatInt(total, 10)
	ent.d.DownloadSpeed = strconv.FormatInt(speed, 10)
	return nil
}

// Complete marks a download finished and pushes onDownloadComplete.
func (e *Engine) Complete(gid string) error {
	e.mu.Lock()
	ent, ok := e.entries[gid]
	if !ok {
		e.mu.Unlock()
		return notFound(gid)
	}
	ent.d.Status = aria2.StatusComplete
	ent.d.CompletedLength = ent.d.TotalLength
	ent.d.DownloadSpeed = "0"
	e.dequeueLocked(gid)
	e.mu.Unlock()

	e.emit("onDownloadComplete", gid)
	return nil
}

// Download returns a copy of one download.
func (e *Engine) Download(gid string) (aria2.Download, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[gid]
	if !ok {
		return aria2.Download{}, false
	}
	return ent.d, true
}

// Len returns the number of known downloads, stopped ones included.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) dequeueLocked(gid string) {
	for i, g := range e.queue {
		if g == gid {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// sortedGIDsLocked returns gids in creation order.
func (e *Engine) sortedGIDsLocked() []string {
	gids := make([]string, 0, len(e.entries))
	for gid := range e.entries {
		gids = append(gids, gid)
	}
	sort.Strings(gids)
	return gids
}

func isStopped(s aria2.Status) bool {
	return s == aria2.StatusComplete || s == aria2.StatusError || s == aria2.StatusRemoved
}

// window applies the engine's offset/num paging. A negative offset counts
// from the end and walks backwards.
func window(gids []string, offset, num int) []string {
	if num <= 0 || len(gids) == 0 {
		return nil
	}
	var out []string
	if offset < 0 {
		for i := len(gids) + offset; i >= 0 && len(out) < num; i-- {
			out = append(out, gids[i])
		}
		return out
	}
	for i := offset; i < len(gids) && len(out) < num; i++ {
		out = append(out, gids[i])
	}
	return out
}

// project renders d as the engine does, keeping only keys when given.
func project(d aria2.Download, keys []string) map[string]any {
	data, _ := json.Marshal(d)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	if len(keys) == 0 {
		return m
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// bind decodes positional params into dst; the first required ones must be present.
func bind(params []json.RawMessage, required int, dst ...any) error {
	if len(params) < required {
		return server.ParamError("expected at least %d params, got %d", required, len(params))
	}
	for i, p := range params {
		if i >= len(dst) {
			break
		}
		if err := json.Unmarshal(p, dst[i]); err != nil {
			return server.ParamError("param %d: %v", i+1, err)
		}
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
