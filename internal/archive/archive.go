package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Stats describes a finished archive
type Stats struct {
	Files            int     `json:"files"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Codec            Codec   `json:"codec"`
}

// CompressionRatio is compressed over original size, 1.0 for empty input
func CompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

// Create writes the tree under srcDir into dest, every entry rooted at
// rootName/. A failed or cancelled run leaves no file at dest.
func Create(ctx context.Context, srcDir, rootName, dest string, codec Codec) (stats *Stats, err error) {
	if rootName == "" || strings.ContainsAny(rootName, `/\`) {
		return nil, fmt.Errorf("invalid archive root name %q", rootName)
	}

	out, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("cannot create archive: %w", err)
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(dest)
		}
	}()

	buf := bufio.NewWriterSize(out, 4*1024*1024)
	cw, err := compressWriter(buf, codec)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(cw)

	stats = &Stats{Codec: codec}
	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := rootName
		if rel != "." {
			name = rootName + "/" + filepath.ToSlash(rel)
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("cannot read symlink %s: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("cannot create header for %s: %w", rel, err)
		}
		header.Name = name
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("cannot write header for %s: %w", rel, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cannot open %s: %w", path, err)
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		if err != nil {
			return fmt.Errorf("cannot write %s: %w", path, err)
		}
		stats.Files++
		stats.OriginalSize += n
		return nil
	})
	if walkErr != nil {
		tw.Close()
		cw.Close()
		return nil, walkErr
	}

	// tar, then compressor, then buffer
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("cannot close tar writer: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("cannot close %s compressor: %w", codec, err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("cannot flush archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("cannot sync archive: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat archive: %w", err)
	}
	stats.CompressedSize = info.Size()
	stats.CompressionRatio = CompressionRatio(stats.OriginalSize, stats.CompressedSize)
	return stats, nil
}

// Extract unpacks the artifact at path into destDir and returns the
// directory the artifact was rooted at. Entries escaping destDir are refused.
func Extract(ctx context.Context, path, destDir string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open archive: %w", err)
	}
	defer f.Close()

	zr, _, err := decompressReader(f)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create extraction directory: %w", err)
	}
	base, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}

	root := ""
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("corrupted tar archive: %w", err)
		}

		target := filepath.Join(base, filepath.FromSlash(hdr.Name))
		if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
			return "", fmt.Errorf("bad name %q in archive", hdr.Name)
		}
		if root == "" {
			root = strings.SplitN(strings.TrimPrefix(hdr.Name, "./"), "/", 2)[0]
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := writeFile(target, os.FileMode(hdr.Mode&0777), tr); err != nil {
				return "", fmt.Errorf("tar extract %q failed: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || strings.Contains(hdr.Linkname, "..") {
				return "", fmt.Errorf("bad symlink %q in archive", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return "", err
			}
		default:
			// devices, fifos and hard links are not part of an artifact
		}
	}

	if root == "" {
		return "", fmt.Errorf("archive contains no files")
	}
	return filepath.Join(base, root), nil
}

// List returns the names of every entry in the artifact
func List(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open archive: %w", err)
	}
	defer f.Close()

	zr, _, err := decompressReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("corrupted tar archive: %w", err)
		}
		names = append(names, hdr.Name)
	}
}

func writeFile(name string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
