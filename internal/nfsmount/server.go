package nfsmount

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"

	billy "github.com/go-git/go-billy/v5"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// Server owns the TCP listener behind a corpus mount.
type Server struct {
	listener net.Listener
	port     int
}

// NewServer starts an NFS server backed by the given filesystem. An
// empty listen address binds an ephemeral loopback port — the corpus is
// served to a local mountpoint, never the network.
func NewServer(listen string, fs billy.Filesystem) (*Server, error) {
	if listen == "" {
		listen = "localhost:0"
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("nfs listen %s: %w", listen, err)
	}
	srv := &Server{listener: listener, port: listener.Addr().(*net.TCPAddr).Port}

	// 4096 cached handles covers a corpus tree several levels deep
	// without the client re-looking-up hot directories.
	handler := nfshelper.NewCachingHandler(nfshelper.NewNullAuthHandler(fs), 4096)
	go func() {
		_ = nfs.Serve(listener, handler)
	}()

	return srv, nil
}

// Port reports the TCP port the server is bound to.
func (s *Server) Port() int {
	return s.port
}

// Close shuts the server down by closing its listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Mount attaches the served corpus at mountpoint through the system
// mount command, pinned to NFSv3 over TCP on the server's port. The
// writable flag decides read-only versus read-write.
func Mount(port int, mountpoint string, writable bool) error {
	var opts string
	switch runtime.GOOS {
	case "darwin":
		opts = fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,locallocks,noresvport", port, port)
		if !writable {
			opts += ",rdonly"
		}
	case "linux":
		opts = fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,local_lock=all,nolock", port, port)
		if !writable {
			opts += ",ro"
		}
	default:
		return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}

	cmd := exec.Command("sudo", "mount", "-t", "nfs", "-o", opts, "localhost:/", mountpoint)
	// Leave stdin detached so a sudo password prompt fails fast instead
	// of hanging the command.
	cmd.Stdin = nil
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount %s: %w\n%s", mountpoint, err, out)
	}
	return nil
}

// Unmount detaches the corpus mountpoint.
func Unmount(mountpoint string) error {
	if runtime.GOOS == "darwin" {
		// diskutil handles user NFS mounts without sudo.
		if err := exec.Command("diskutil", "unmount", mountpoint).Run(); err == nil {
			return nil
		}
	}

	out, err := exec.Command("sudo", "umount", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount %s: %w\n%s", mountpoint, err, out)
	}
	return nil
}
