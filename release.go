package dragonfly

// Version is the client release, reported in the User-Agent header.
//
// Overridden at link time with -ldflags "-X".
var Version = "0.4.0-dev"
