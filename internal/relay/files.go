package relay

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/kestrel/internal/metrics"
)

// FileInfo describes one remote file.
type FileInfo struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir"`
}

func newFileInfo(fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
}

// Files is a file-transfer session on an agent.
type Files struct {
	client  *ssh.Client
	sftp    *sftp.Client
	metrics *metrics.Metrics

	once sync.Once
}

// Files opens the sftp subsystem on agent id.
func (c *Client) Files(ctx context.Context, id string) (*Files, error) {
	client, err := c.connect(ctx, id, KindFiles, Credentials{})
	if err != nil {
		return nil, err
	}
	ch, err := openSubsystem(client, SubsystemSFTP)
	if err == nil {
		var sc *sftp.Client
		sc, err = sftp.NewClientPipe(ch, ch)
		if err == nil {
			c.metrics.RecordChannelOpen(KindFiles)
			return &Files{client: client, sftp: sc, metrics: c.metrics}, nil
		}
		ch.Close()
	}
	client.Close()
	c.metrics.RecordChannelError(KindFiles)
	return nil, &ChannelError{AgentID: id, Kind: KindFiles, Err: err}
}

// clean NFC-normalizes p so names typed on different platforms match.
func clean(p string) string {
	p = norm.NFC.String(p)
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// List returns the entries of dir sorted by name, directories first.
func (f *Files) List(dir string) ([]FileInfo, error) {
	entries, err := f.sftp.ReadDir(clean(dir))
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, newFileInfo(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Stat describes one remote path.
func (f *Files) Stat(p string) (FileInfo, error) {
	fi, err := f.sftp.Stat(clean(p))
	if err != nil {
		return FileInfo{}, err
	}
	return newFileInfo(fi), nil
}

// Read copies the remote file p to w.
func (f *Files) Read(p string, w io.Writer) (int64, error) {
	src, err := f.sftp.Open(clean(p))
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return src.WriteTo(w)
}

// Write creates or truncates the remote file p with the contents of r.
func (f *Files) Write(p string, r io.Reader) (int64, error) {
	dst, err := f.sftp.OpenFile(clean(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, err
	}
	n, err := dst.ReadFrom(r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Rename moves oldpath to newpath.
func (f *Files) Rename(oldpath, newpath string) error {
	return f.sftp.Rename(clean(oldpath), clean(newpath))
}

// Remove deletes a file or an empty directory.
func (f *Files) Remove(p string) error {
	return f.sftp.Remove(clean(p))
}

// Mkdir creates p and any missing parents.
func (f *Files) Mkdir(p string) error {
	return f.sftp.MkdirAll(clean(p))
}

// Getwd returns the remote working directory.
func (f *Files) Getwd() (string, error) {
	return f.sftp.Getwd()
}

// Close ends the session.
func (f *Files) Close() error {
	var err error
	f.once.Do(func() {
		f.sftp.Close()
		err = f.client.Close()
		f.metrics.RecordChannelClose(KindFiles)
	})
	return err
}
