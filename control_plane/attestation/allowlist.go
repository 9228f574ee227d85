package attestation

import (
	"fmt"
	"path"
	"strings"
)

var linuxCommon = []string{
	"systemctl", "service", "journalctl", "hostname", "hostnamectl", "timedatectl", "uname", "uptime",
	"whoami", "id", "date", "df", "du", "free", "ps", "pgrep", "ls", "cat", "head", "tail", "grep",
	"find", "stat", "wc", "lsblk", "lscpu", "lsof", "ss", "netstat", "ip", "ping", "dig", "nslookup",
	"curl", "wget", "tar", "unzip", "gzip", "mkdir", "cp", "mv", "touch", "chmod", "chown", "ln",
	"nginx", "docker", "crontab", "useradd", "usermod", "passwd", "ufw", "iptables", "sysctl", "who",
}

var allowlists = map[string][]string{
	"ubuntu":  append([]string{"apt", "apt-get", "apt-cache", "dpkg", "snap"}, linuxCommon...),
	"debian":  append([]string{"apt", "apt-get", "apt-cache", "dpkg"}, linuxCommon...),
	"centos":  append([]string{"yum", "dnf", "rpm", "firewall-cmd"}, linuxCommon...),
	"rhel":    append([]string{"yum", "dnf", "rpm", "firewall-cmd", "subscription-manager"}, linuxCommon...),
	"alpine":  append([]string{"apk", "rc-service", "rc-status", "rc-update"}, linuxCommon...),
	"windows": {"sc", "net", "ipconfig", "tasklist", "systeminfo", "netstat", "ping", "hostname", "whoami", "winget", "choco"},
	"macos": {
		"brew", "launchctl", "sw_vers", "diskutil", "softwareupdate", "hostname", "uname", "uptime",
		"whoami", "df", "du", "ps", "ls", "cat", "head", "tail", "grep", "find", "ping", "curl", "netstat",
	},
}

// osFamily maps an agent OS string onto an allowlist. Unknown systems use
// the ubuntu list.
func osFamily(os string) string {
	os = strings.ToLower(strings.TrimSpace(os))
	switch {
	case os == "":
		return "ubuntu"
	case strings.HasPrefix(os, "windows"), strings.HasPrefix(os, "win"):
		return "windows"
	case strings.HasPrefix(os, "darwin"), strings.HasPrefix(os, "mac"), strings.HasPrefix(os, "osx"):
		return "macos"
	case strings.HasPrefix(os, "red hat"), strings.HasPrefix(os, "redhat"):
		return "rhel"
	}
	for family := range allowlists {
		if strings.HasPrefix(os, family) {
			return family
		}
	}
	return "ubuntu"
}

var trustedDirs = map[string]bool{
	"/bin": true, "/sbin": true, "/usr/bin": true, "/usr/sbin": true,
	"/usr/local/bin": true, "/usr/local/sbin": true, "/opt/homebrew/bin": true,
}

// Allowed reports whether binary may run on os. A path prefix is accepted
// only for the standard system directories; a Windows ".exe" suffix is
// ignored.
func Allowed(os, binary string) bool {
	family := osFamily(os)
	name := binary
	if strings.ContainsAny(binary, `/\`) {
		if family == "windows" || !trustedDirs[path.Dir(binary)] {
			return false
		}
		name = path.Base(binary)
	}
	if family == "windows" {
		name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	}
	for _, b := range allowlists[family] {
		if b == name {
			return true
		}
	}
	return false
}

// forbiddenPrograms may not appear anywhere in a command line, including as
// an argument handed to another program or inside a quoted token.
var forbiddenPrograms = map[string]bool{
	"rm": true, "dd": true, "mkfs": true, "eval": true, "base64": true,
	"shred": true, "wipefs": true, "fdisk": true, "sfdisk": true, "parted": true,
	"exec": true, "source": true,
	"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true, "csh": true, "fish": true,
	"busybox": true, "cmd": true, "powershell": true, "pwsh": true, "wmic": true,
}

// dangerousFlags turn otherwise harmless programs destructive.
var dangerousFlags = map[string]bool{
	"-exec": true, "-execdir": true, "-ok": true, "-okdir": true, "-delete": true, "--no-preserve-root": true,
}

// containerRunners are sub-commands that start an arbitrary program.
var containerRunners = map[string]bool{"run": true, "exec": true, "create": true}

// ForbiddenProgram reports whether word names a program that may never run.
func ForbiddenProgram(word string) bool {
	name := programName(word)
	return forbiddenPrograms[name] || name == "mkfs" || strings.HasPrefix(name, "mkfs.")
}

func programName(word string) string {
	word = strings.Trim(word, `"'`)
	name := strings.ToLower(path.Base(strings.ReplaceAll(word, `\`, "/")))
	return strings.TrimSuffix(name, ".exe")
}

// UnsafeInvocation checks a resolved command for forbidden programs in any
// token or in any word of a token, destructive flags, and container
// sub-commands that would start a program of their own. It returns the
// reason, or "".
func UnsafeInvocation(binary string, argv []string) string {
	tokens := append([]string{binary}, argv...)
	for _, tok := range tokens {
		words := strings.FieldsFunc(tok, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '='
		})
		for _, w := range words {
			if dangerousFlags[strings.ToLower(w)] {
				return fmt.Sprintf("argument %s is not allowed", w)
			}
			if ForbiddenProgram(w) {
				return fmt.Sprintf("%s is forbidden", programName(w))
			}
		}
	}
	docker := false
	for _, tok := range tokens {
		if docker && containerRunners[strings.ToLower(tok)] {
			return fmt.Sprintf("docker %s is not allowed", strings.ToLower(tok))
		}
		if programName(tok) == "docker" {
			docker = true
		}
	}
	return ""
}
