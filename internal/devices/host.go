package devices

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Mount is one line of the kernel mount table.
type Mount struct {
	Source string
	Path   string
	FSType string
}

// Usage is filesystem capacity in bytes.
type Usage struct {
	Total     uint64
	Available uint64
}

// Host reads the machine's storage layout. SystemHost is the Linux
// implementation; tests substitute fakes.
type Host interface {
	Mounts(ctx context.Context) ([]Mount, error)
	Usage(path string) (Usage, error)
	Removable(source string) bool
	Writable(path string) bool
}

// SystemHost reads /proc/mounts, statfs(2) and sysfs.
type SystemHost struct {
	MountsFile  string
	SysBlockDir string
}

func NewSystemHost() *SystemHost {
	return &SystemHost{MountsFile: "/proc/mounts", SysBlockDir: "/sys/class/block"}
}

func (p *SystemHost) Mounts(ctx context.Context) ([]Mount, error) {
	f, err := os.Open(p.MountsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	defer f.Close()

	return parseMounts(ctx, f)
}

var mountUnescaper = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

// pseudoFS lists kernel filesystems that never hold modules. Everything
// else, tmpfs, overlay and network mounts included, is a candidate.
var pseudoFS = map[string]bool{
	"autofs": true, "binfmt_misc": true, "bpf": true, "cgroup": true,
	"cgroup2": true, "configfs": true, "debugfs": true, "devpts": true,
	"devtmpfs": true, "efivarfs": true, "fusectl": true, "hugetlbfs": true,
	"mqueue": true, "nsfs": true, "proc": true, "pstore": true,
	"rpc_pipefs": true, "securityfs": true, "selinuxfs": true, "sysfs": true,
	"tracefs": true,
}

// parseMounts returns the mount table in kernel order, pseudo filesystems
// dropped.
func parseMounts(ctx context.Context, r io.Reader) ([]Mount, error) {
	var out []Mount

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || pseudoFS[fields[2]] {
			continue
		}

		out = append(out, Mount{
			Source: mountUnescaper.Replace(fields[0]),
			Path:   mountUnescaper.Replace(fields[1]),
			FSType: fields[2],
		})
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse mount table: %w", err)
	}

	return out, nil
}

// blockBacked reports whether a mount source names a block device.
func blockBacked(source string) bool {
	return strings.HasPrefix(source, "/dev/")
}

func (p *SystemHost) Usage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := uint64(st.Bsize)

	return Usage{Total: st.Blocks * bsize, Available: st.Bavail * bsize}, nil
}

// Removable reports the sysfs removable flag of source's block device. A
// partition inherits the flag of its parent disk.
func (p *SystemHost) Removable(source string) bool {
	link := filepath.Join(p.SysBlockDir, filepath.Base(source))

	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return false
	}

	for _, d := range []string{dir, filepath.Dir(dir)} {
		data, err := os.ReadFile(filepath.Join(d, "removable"))
		if err == nil {
			return strings.TrimSpace(string(data)) == "1"
		}
	}

	return false
}

func (p *SystemHost) Writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}
