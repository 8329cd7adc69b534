package version

// Version is overridden at build time with -ldflags "-X fimcheck/version.Version=...".
var Version = "dev"
