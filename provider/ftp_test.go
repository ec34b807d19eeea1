package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"io/fs"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// startFTPServer serves a scripted FTP control connection. replies maps a
// verb to its reply line; "stall" never answers. Data connections are
// accepted and closed right away.
func startFTPServer(t *testing.T, replies map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	defaults := map[string]string{
		"USER": "230 Logged in",
		"FEAT": "502 Not implemented",
		"TYPE": "200 Type set",
		"PWD":  `257 "/" is the current directory`,
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFTP(c, replies, defaults)
		}
	}()
	return ln.Addr().String()
}

func serveFTP(c net.Conn, replies, defaults map[string]string) {
	defer c.Close()
	tp := textproto.NewConn(c)
	_ = tp.PrintfLine("220 Ready")

	var data net.Listener
	defer func() {
		if data != nil {
			data.Close()
		}
	}()
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, _, _ := strings.Cut(line, " ")
		switch verb {
		case "EPSV":
			if data != nil {
				data.Close()
			}
			if data, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
				return
			}
			go func(l net.Listener) {
				if dc, err := l.Accept(); err == nil {
					dc.Close()
				}
			}(data)
			_ = tp.PrintfLine("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
			continue
		case "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		}

		reply, ok := replies[verb]
		if !ok {
			if reply, ok = defaults[verb]; !ok {
				reply = "502 Not implemented"
			}
		}
		if reply == "stall" {
			continue
		}
		_ = tp.PrintfLine("%s", reply)
	}
}

func TestFTPProvider_StatMissingParent(t *testing.T) {
	tests := []struct {
		reply    string
		notExist bool
	}{
		{"450 No such file or directory", true},
		{"550 No such file or directory", true},
		{"425 Can't open data connection", false},
	}
	for _, tt := range tests {
		t.Run(tt.reply[:3], func(t *testing.T) {
			addr := startFTPServer(t, map[string]string{"LIST": tt.reply})
			p, err := DialFTP(context.Background(), FTPConfig{Addr: addr, Timeout: 2 * time.Second, CommandTimeout: 2 * time.Second})
			if err != nil {
				t.Fatalf("DialFTP: %v", err)
			}
			defer p.Close()

			_, err = p.Stat(context.Background(), "/missing/dir/file.txt")
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, fs.ErrNotExist); got != tt.notExist {
				t.Errorf("errors.Is(%v, fs.ErrNotExist) = %v; want %v", err, got, tt.notExist)
			}
		})
	}
}

func TestFTPProvider_CommandTimeout(t *testing.T) {
	addr := startFTPServer(t, map[string]string{"PWD": "stall"})
	p, err := DialFTP(context.Background(), FTPConfig{Addr: addr, Timeout: 2 * time.Second, CommandTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("DialFTP: %v", err)
	}
	defer p.Close()

	start := time.Now()
	err = p.Ping(context.Background())
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stalled command took %v", elapsed)
	}
}

func TestFTPDialFunc_TLSPlacement(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	addr := ln.Addr().String()

	tests := []struct {
		name       string
		implicit   bool
		controlTLS bool
	}{
		{"explicit", false, false},
		{"implicit", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dial := ftpDialFunc(context.Background(), FTPConfig{
				TLS:            &tls.Config{InsecureSkipVerify: true},
				ImplicitTLS:    tt.implicit,
				Timeout:        time.Second,
				CommandTimeout: time.Second,
			})
			control, err := dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer control.Close()
			if _, isTLS := control.(*tls.Conn); isTLS != tt.controlTLS {
				t.Errorf("control connection TLS = %v; want %v", isTLS, tt.controlTLS)
			}

			// Data connections always carry TLS on FTPS.
			data, err := dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer data.Close()
			if _, isTLS := data.(*tls.Conn); !isTLS {
				t.Errorf("data connection is not TLS")
			}
		})
	}
}
