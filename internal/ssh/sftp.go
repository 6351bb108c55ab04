package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// PushStats summarises a directory upload.
type PushStats struct {
	Files    int
	Bytes    int64
	Duration time.Duration
}

type upload struct {
	local  string
	remote string
	size   int64
}

// planUploads lists every regular file under localDir with its remote
// destination under remoteDir, in walk order.
func planUploads(localDir, remoteDir string) ([]upload, error) {
	var out []upload
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, upload{local: p, remote: path.Join(remoteDir, filepath.ToSlash(rel)), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", localDir, err)
	}
	return out, nil
}

// PushDir uploads every file under localDir to remoteDir over one SFTP
// session. It stops at the first failure or when ctx is cancelled.
func PushDir(ctx context.Context, client *xssh.Client, localDir, remoteDir string) (PushStats, error) {
	var st PushStats
	start := time.Now()
	plan, err := planUploads(localDir, remoteDir)
	if err != nil {
		return st, err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return st, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	made := map[string]bool{}
	for _, u := range plan {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		dir := path.Dir(u.remote)
		if !made[dir] {
			if err := sf.MkdirAll(dir); err != nil {
				return st, fmt.Errorf("mkdir remote %s: %w", dir, err)
			}
			made[dir] = true
		}
		if err := pushFile(sf, u.local, u.remote); err != nil {
			return st, err
		}
		st.Files++
		st.Bytes += u.size
		log.Debug().Str("file", u.remote).Int64("bytes", u.size).Msg("uploaded")
	}
	st.Duration = time.Since(start)
	return st, nil
}

func pushFile(sf *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", localPath, err)
	}
	return nil
}
