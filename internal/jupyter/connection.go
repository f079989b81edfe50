// Package jupyter speaks the Jupyter kernel messaging protocol over ZeroMQ
// and manages the kernel subprocess behind it.
package jupyter

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ConnectionInfo mirrors the kernel connection file handed to the launcher.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HeartbeatPort   int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// NewConnectionInfo allocates five free TCP ports on loopback and a random
// signing key. Ports are released before returning; the launcher rebinds
// them, so a small window for reuse races exists like in every Jupyter
// frontend.
func NewConnectionInfo(kernelName string) (*ConnectionInfo, error) {
	ports, err := freePorts(5)
	if err != nil {
		return nil, fmt.Errorf("allocate kernel ports: %w", err)
	}

	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("generate kernel key: %w", err)
	}

	return &ConnectionInfo{
		Transport:       "tcp",
		IP:              "127.0.0.1",
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HeartbeatPort:   ports[4],
		Key:             hex.EncodeToString(keyBytes),
		SignatureScheme: "hmac-sha256",
		KernelName:      kernelName,
	}, nil
}

// WriteFile serializes the connection info into dir and returns the file
// path. The file is kernel-local secret material, hence 0600.
func (ci *ConnectionInfo) WriteFile(dir string) (string, error) {
	data, err := json.MarshalIndent(ci, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode connection file: %w", err)
	}
	path := filepath.Join(dir, "kernel-connection.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write connection file: %w", err)
	}
	return path, nil
}

func (ci *ConnectionInfo) shellAddr() string {
	return fmt.Sprintf("%s://%s:%d", ci.Transport, ci.IP, ci.ShellPort)
}

func (ci *ConnectionInfo) iopubAddr() string {
	return fmt.Sprintf("%s://%s:%d", ci.Transport, ci.IP, ci.IOPubPort)
}

func freePorts(n int) ([]int, error) {
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}
