package constants

import (
	"io/fs"
	"time"
)

const (
	// DefaultDirPerm is the default permission used when creating directories.
	DefaultDirPerm fs.FileMode = 0o755
	// DefaultFilePerm is the default permission used when creating files.
	DefaultFilePerm fs.FileMode = 0o644
)

const (
	// DefaultProxyPort is where the primary (or edge) stage listens unless configured.
	DefaultProxyPort = 9090
	// DefaultWaitTime is how long the application is left running before ledgers are read.
	DefaultWaitTime = 20 * time.Second
	// DefaultUpstreamAddr is the fixed loopback address of the relay's upstream stage.
	DefaultUpstreamAddr = "127.0.0.1:8080"
	// DefaultReinjectAddr is the fixed loopback address where the upstream stage re-injects
	// decrypted requests.
	DefaultReinjectAddr = "127.0.0.1:9091"
	// DefaultGracePeriod bounds how long a stopping stage waits for in-flight connections.
	DefaultGracePeriod = 3 * time.Second
	// DefaultForwardTimeout bounds a single forwarded request to the origin.
	DefaultForwardTimeout = 30 * time.Second
	// DefaultHandshakeTimeout bounds the client side TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)

const (
	// CACertFile and CAKeyFile are the file names looked up inside the CA directory.
	CACertFile = "ca.crt"
	CAKeyFile  = "ca.key"
)

// DefaultIgnoreURL lists third-party domains that are excluded from the pinned verdict.
const DefaultIgnoreURL = ".icloud.com;.apple.com;.googleapis.com;graph.facebook.com;" +
	".crashlytics.com;api.branch.io;t.appsflyer.com;gate.hockeyapp.net;" +
	"www.paypalobjects.com;www.gstatic.com;app.adjust.com;data.flurry.com;" +
	".doubleclick.net;.google-analytics.com;.adobedtm.com;googletagmanager.com"
