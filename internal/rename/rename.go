// Package rename proposes standardized names for converted files and their
// companions. Proposals are pure and idempotent: applying Propose to an
// already-standard name yields the same name, so the supervisor can call it
// unconditionally after every accepted conversion.
package rename

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Engine is the naming contract the conversion supervisor consumes.
type Engine interface {
	// Propose returns the standardized path for a converted file. meta
	// describes the converted output (not the source). The result is in
	// the same directory as oldPath; it may equal oldPath when the name
	// is already standard.
	Propose(oldPath string, meta Meta) string
}

// Meta describes the converted output used in the proposed name.
type Meta struct {
	Width  int
	Height int
	Codec  string
}

// Standard is the default Engine.
type Standard struct{}

var (
	// S01E02-style episode markers, with the show name before them.
	episodeRe = regexp.MustCompile(`(?i)^(.*?)[ ._-]*S(\d{1,2})[ ._-]?E(\d{1,3})\b`)
	// A plausible release year.
	yearRe = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	// A previously applied "[720p x265]" style tag, stripped before parsing
	// so proposals stay idempotent.
	tagRe = regexp.MustCompile(`\s*\[\d+p [a-z0-9]+\]\s*$`)

	separatorRe = regexp.MustCompile(`[._]+`)
	spacesRe    = regexp.MustCompile(`\s{2,}`)
)

// Propose implements Engine.
func (Standard) Propose(oldPath string, meta Meta) string {
	dir := filepath.Dir(oldPath)
	base := strings.TrimSuffix(filepath.Base(oldPath), filepath.Ext(oldPath))
	base = tagRe.ReplaceAllString(base, "")

	var name string
	if m := episodeRe.FindStringSubmatch(base); m != nil {
		season, _ := strconv.Atoi(m[2])
		episode, _ := strconv.Atoi(m[3])
		show := cleanTitle(m[1])
		if show == "" {
			show = cleanTitle(filepath.Base(dir))
		}
		name = fmt.Sprintf("%s S%02dE%02d", show, season, episode)
	} else {
		title := base
		year := ""
		if m := yearRe.FindStringSubmatch(base); m != nil {
			year = m[1]
			if idx := strings.Index(base, m[1]); idx > 0 {
				title = base[:idx]
			}
		}
		name = cleanTitle(title)
		if name == "" {
			name = cleanTitle(base)
		}
		if year != "" && !strings.Contains(name, "("+year+")") {
			name = name + " (" + year + ")"
		}
	}

	if tag := qualityTag(meta); tag != "" {
		name = name + " " + tag
	}
	return filepath.Join(dir, name+".mkv")
}

// qualityTag renders "[1080p x265]" from the converted file's properties.
// Empty when the height is unknown.
func qualityTag(meta Meta) string {
	if meta.Height <= 0 {
		return ""
	}
	codec := meta.Codec
	switch codec {
	case "hevc":
		codec = "x265"
	case "h264":
		codec = "x264"
	case "":
		codec = "unknown"
	}
	return fmt.Sprintf("[%dp %s]", meta.Height, codec)
}

// cleanTitle converts dot/underscore separators to spaces and trims
// leftover punctuation. "The.Show.Name" -> "The Show Name".
func cleanTitle(s string) string {
	s = separatorRe.ReplaceAllString(s, " ")
	s = spacesRe.ReplaceAllString(s, " ")
	s = strings.Trim(s, " -([")
	return s
}

// Companions pairs sibling files that share oldPath's stem (subtitles,
// artwork, nfo files) with their names under newPath's stem. siblings is
// the candidate file list, typically the directory listing; media files
// and exact matches of oldPath itself are skipped.
func Companions(oldPath, newPath string, siblings []string) [][2]string {
	oldStem := strings.TrimSuffix(filepath.Base(oldPath), filepath.Ext(oldPath))
	newStem := strings.TrimSuffix(filepath.Base(newPath), filepath.Ext(newPath))
	dir := filepath.Dir(newPath)
	if oldStem == newStem {
		return nil
	}

	var pairs [][2]string
	for _, s := range siblings {
		base := filepath.Base(s)
		if s == oldPath || !strings.HasPrefix(base, oldStem+".") {
			continue
		}
		suffix := base[len(oldStem):] // keeps the full ".en.srt" style tail
		pairs = append(pairs, [2]string{s, filepath.Join(dir, newStem+suffix)})
	}
	return pairs
}
