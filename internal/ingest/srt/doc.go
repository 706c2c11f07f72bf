// Package srt receives live transport streams over SRT, either by
// listening for publishers (Server) or by pulling from remote listeners
// (Caller), and hands their bytes to the ingest registry.
package srt
