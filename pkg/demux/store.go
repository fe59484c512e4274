package demux

import (
	"Flute_demux/pkg/route"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// enforceBound 通道上的对象超过上限时从最旧的开始淘汰，
// 初始化对象与未完成的对象除外
func (d *Demux) enforceBound(svc *route.Service, tsi uint32) {
	if d.maxObjects <= 0 {
		return
	}
	for svc.CountObjects(tsi) > d.maxObjects {
		victim := d.oldest(svc, tsi)
		if victim == nil {
			return
		}
		d.evict(svc, victim)
	}
}

// oldest tsi 为 0 时不限通道
func (d *Demux) oldest(svc *route.Service, tsi uint32) *route.Object {
	for _, o := range svc.Objects {
		if (tsi == 0 || o.Tsi == tsi) && svc.Evictable(o) {
			return o
		}
	}
	return nil
}

// evict 移除对象、删除已写入的文件并回收
func (d *Demux) evict(svc *route.Service, o *route.Object) {
	if o.Path != "" {
		if err := os.Remove(o.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.log.Warn("remove object file failed", slog.String("path", o.Path), slog.String("error", err.Error()))
		}
		o.Path = ""
	}
	d.release(svc, o)
}

// release 从服务中移除对象并放回对象池
func (d *Demux) release(svc *route.Service, o *route.Object) {
	if !svc.RemoveObject(o) {
		return
	}
	d.setRetained(-1)
	d.reservoir.Put(o.Object)
	o.Object = nil
}

// writeFile 写入 <OutputDir>/<name>，name 不得越出服务目录
func (d *Demux) writeFile(svc *route.Service, name string, data []byte) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("object name %q escapes output directory", name)
	}
	path := filepath.Join(svc.OutputDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ObjectCount 服务当前保留的对象个数（含正在接收的对象）
func (d *Demux) ObjectCount(id uint32) int {
	svc := d.FindService(id)
	if svc == nil {
		return 0
	}
	return len(svc.Objects)
}

// EvictByName 淘汰指定名字的对象，尚未完成的对象不能淘汰
func (d *Demux) EvictByName(id uint32, name string) error {
	svc := d.FindService(id)
	if svc == nil {
		return fmt.Errorf("%w: %d", ErrUnknownService, id)
	}
	o := svc.FindObjectByName(name)
	if o == nil {
		return fmt.Errorf("%w: %q", ErrObjectNotFound, name)
	}
	if !o.Done() {
		return fmt.Errorf("%w: %q", ErrObjectBusy, name)
	}
	d.evict(svc, o)
	return nil
}

// EvictOldest 淘汰服务中最旧的可淘汰对象
func (d *Demux) EvictOldest(id uint32) error {
	svc := d.FindService(id)
	if svc == nil {
		return fmt.Errorf("%w: %d", ErrUnknownService, id)
	}
	o := d.oldest(svc, 0)
	if o == nil {
		return ErrObjectNotFound
	}
	d.evict(svc, o)
	return nil
}

// Purge 淘汰服务中已完成的非初始化对象，返回淘汰个数
func (d *Demux) Purge(id uint32) (int, error) {
	svc := d.FindService(id)
	if svc == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownService, id)
	}
	n := 0
	for o := d.oldest(svc, 0); o != nil; o = d.oldest(svc, 0) {
		d.evict(svc, o)
		n++
	}
	return n, nil
}
