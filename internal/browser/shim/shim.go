// internal/browser/shim/shim.go
package shim

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed helpers.js
var helpersSource string

const (
	// HelpersPlaceholder is replaced with the helper object literal.
	HelpersPlaceholder = "/*{{HARNESS_HELPERS}}*/"
	// NamePlaceholder is replaced with the helper method being invoked.
	NamePlaceholder = "/*{{HARNESS_METHOD}}*/"

	// StaleMarker is thrown by every call whose target node left the document.
	StaleMarker = "stale element reference"
)

// functionTemplate takes the target node as its first parameter and an
// argument array as its second, which is the calling convention of
// Playwright's JSHandle.Evaluate.
const functionTemplate = `(node, args) => {
	const h = /*{{HARNESS_HELPERS}}*/;
	if (node && node.isConnected === false) {
		throw new Error('` + StaleMarker + `');
	}
	return h./*{{HARNESS_METHOD}}*/(node, args || []);
}`

// methodTemplate binds the node to this, which is how CDP's
// Runtime.callFunctionOn invokes a function declaration.
const methodTemplate = `function(...args) {
	return (` + functionTemplate + `)(this, args);
}`

var methods = map[string]bool{
	"find": true, "shadowRoot": true, "contentDocument": true, "attribute": true,
	"text": true, "value": true, "tag": true, "displayed": true, "enabled": true,
	"selected": true, "scroll": true, "center": true, "focus": true, "clear": true,
	"setSelected": true, "upload": true, "nodeKey": true,
}

// Build injects the helper object and method name into template.
func Build(template, method string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !methods[method] {
		return "", fmt.Errorf("unknown helper method: %q", method)
	}
	for _, p := range []string{HelpersPlaceholder, NamePlaceholder} {
		if !strings.Contains(template, p) {
			return "", fmt.Errorf("template does not contain the required placeholder: %s", p)
		}
	}
	script := strings.Replace(template, HelpersPlaceholder, strings.TrimSpace(helpersSource), 1)
	script = strings.Replace(script, NamePlaceholder, method, 1)
	return script, nil
}

// Function returns the helper as an arrow function taking (node, args).
func Function(method string) string {
	return mustBuild(functionTemplate, method)
}

// Method returns the helper as a function declaration that reads the node
// from this and its arguments positionally.
func Method(method string) string {
	return mustBuild(methodTemplate, method)
}

func mustBuild(template, method string) string {
	script, err := Build(template, method)
	if err != nil {
		panic(err)
	}
	return script
}

// IsStale reports whether a script error message came from the stale guard
// or from the runtime losing the node's execution context.
func IsStale(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{
		StaleMarker,
		"could not find object with given id",
		"cannot find context with specified id",
		"execution context was destroyed",
		"jshandle is disposed",
		"elementhandle is disposed",
		"node is detached",
		"frame was detached",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsInvalidSelector reports whether a script error came from a bad query.
func IsInvalidSelector(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "invalid selector")
}
