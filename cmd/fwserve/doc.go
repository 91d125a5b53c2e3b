// Package main provides the entry point for fwserve.
//
// fwserve exposes a directory of firmware images over HTTP, or over HTTPS
// when a certificate directory is given, so that OTA clients can fetch
// images by path.
package main
