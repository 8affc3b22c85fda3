package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// TarFS implements fs.FS over an in-memory tar.
//
// Entries are indexed once at construction; opening a file is a slice of the
// backing buffer. Only regular files and directories are exposed.
type tarFS struct {
	buf    []byte
	lookup map[string]int
	inode  []inode
}

type inode struct {
	h        *tar.Header
	children []int
	off      int64
}

// NormPath removes relative elements. This is needed any time a name is
// pulled from the archive.
func normPath(p string) string {
	s := strings.TrimPrefix(path.Clean("/"+p), "/")
	if s == "" {
		return "."
	}
	return s
}

func newTarFS(buf []byte) (*tarFS, error) {
	f := tarFS{
		buf:    buf,
		lookup: map[string]int{".": 0},
		inode: []inode{{h: &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     ".",
			Mode:     int64(fs.ModeDir | 0o755),
		}}},
	}
	br := bytes.NewReader(buf)
	rd := tar.NewReader(br)
	for {
		h, err := rd.Next()
		switch {
		case errors.Is(err, io.EOF):
			return &f, nil
		case err != nil:
			return nil, fmt.Errorf("reading tar header: %w", err)
		}
		n := normPath(h.Name)
		switch h.Typeflag {
		case tar.TypeDir:
			if _, ok := f.lookup[n]; ok {
				continue
			}
		case tar.TypeReg:
		default:
			// Links, devices and the like have nothing to scan.
			continue
		}
		// The reader is positioned at the entry's data.
		off := br.Size() - int64(br.Len())
		if off+h.Size > int64(len(buf)) {
			return nil, fmt.Errorf("tar entry %q: %w", h.Name, io.ErrUnexpectedEOF)
		}
		if err := f.add(n, inode{h: h, off: off}); err != nil {
			return nil, err
		}
	}
}

// Add inserts the inode at "name", creating any missing parent directories.
// A later regular file replaces an earlier one; nothing replaces a directory.
func (f *tarFS) add(name string, ino inode) error {
	if i, ok := f.lookup[name]; ok {
		if f.inode[i].h.Typeflag == tar.TypeDir || ino.h.Typeflag == tar.TypeDir {
			return fmt.Errorf("tar entry %q: conflicting file and directory", name)
		}
		f.inode[i] = ino
		return nil
	}
	i := len(f.inode)
	f.inode = append(f.inode, ino)
	f.lookup[name] = i

	for n := name; n != "."; {
		n = path.Dir(n)
		ti, ok := f.lookup[n]
		if !ok {
			ti = len(f.inode)
			f.inode = append(f.inode, inode{h: &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     n,
				Mode:     int64(fs.ModeDir | 0o755),
			}})
			f.lookup[n] = ti
		}
		if f.inode[ti].h.Typeflag != tar.TypeDir {
			return fmt.Errorf("tar entry %q: parent %q is not a directory", name, n)
		}
		f.inode[ti].children = append(f.inode[ti].children, i)
		if ok {
			break
		}
		i = ti
	}
	return nil
}

func (f *tarFS) getInode(op, name string) (*inode, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	i, ok := f.lookup[name]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return &f.inode[i], nil
}

// Open implements fs.FS.
func (f *tarFS) Open(name string) (fs.File, error) {
	i, err := f.getInode("open", name)
	if err != nil {
		return nil, err
	}
	if i.h.Typeflag == tar.TypeDir {
		return &dir{
			info: i.h.FileInfo(),
			name: name,
			es:   f.entries(i),
		}, nil
	}
	return &file{
		info:   i.h.FileInfo(),
		Reader: bytes.NewReader(f.buf[i.off : i.off+i.h.Size]),
	}, nil
}

// Stat implements fs.StatFS.
func (f *tarFS) Stat(name string) (fs.FileInfo, error) {
	i, err := f.getInode("stat", name)
	if err != nil {
		return nil, err
	}
	return i.h.FileInfo(), nil
}

// ReadDir implements fs.ReadDirFS.
func (f *tarFS) ReadDir(name string) ([]fs.DirEntry, error) {
	i, err := f.getInode("readdir", name)
	if err != nil {
		return nil, err
	}
	if i.h.Typeflag != tar.TypeDir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	return f.entries(i), nil
}

// ReadFile implements fs.ReadFileFS.
func (f *tarFS) ReadFile(name string) ([]byte, error) {
	i, err := f.getInode("readfile", name)
	if err != nil {
		return nil, err
	}
	if i.h.Typeflag == tar.TypeDir {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	return slices.Clone(f.buf[i.off : i.off+i.h.Size]), nil
}

// Entries returns the sorted directory entries of "i".
func (f *tarFS) entries(i *inode) []fs.DirEntry {
	es := make([]fs.DirEntry, len(i.children))
	for n, c := range i.children {
		es[n] = fs.FileInfoToDirEntry(f.inode[c].h.FileInfo())
	}
	slices.SortFunc(es, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return es
}

var (
	_ fs.FS         = (*tarFS)(nil)
	_ fs.ReadDirFS  = (*tarFS)(nil)
	_ fs.ReadFileFS = (*tarFS)(nil)
	_ fs.StatFS     = (*tarFS)(nil)
)

type file struct {
	info fs.FileInfo
	*bytes.Reader
}

func (f *file) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *file) Close() error               { return nil }

type dir struct {
	info fs.FileInfo
	name string
	es   []fs.DirEntry
	pos  int
}

var _ fs.ReadDirFile = (*dir)(nil)

func (d *dir) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *dir) Close() error               { return nil }

func (d *dir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

// ReadDir implements [fs.ReadDirFile].
func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	es := d.es[d.pos:]
	end := min(len(es), n)
	switch {
	case len(es) == 0 && n <= 0:
		return nil, nil
	case len(es) == 0 && n > 0:
		return nil, io.EOF
	case n <= 0:
		end = len(es)
	default:
	}
	d.pos += end
	return es[:end], nil
}
