// Package dashboard provides the embedded topic viewer served at "/".
//
// The viewer lists every topic of the embedded broker and follows updates
// over the /api/sse stream.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the viewer.
//
//	assets/
//	  index.html    - Topic table with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
