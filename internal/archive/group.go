// Package archive groups an NZB's files by base-name and classifies each
// group into the File Processor it belongs to (spec.md §4.8).
package archive

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/javi11/nzbfetch/internal/model"
)

// Group is a set of files sharing a base-name, ready for one File Processor.
type Group struct {
	BaseName string
	Kind     model.ProcessorKind
	Files    []model.FileInfo // ordinal-ordered within the group
}

var (
	partRarPattern   = regexp.MustCompile(`(?i)^(.*?)\.part(\d+)\.rar$`)
	oldRarVolPattern = regexp.MustCompile(`(?i)^(.*?)\.r(\d{2,3})$`)
	plainRarPattern  = regexp.MustCompile(`(?i)^(.*?)\.rar$`)
	numericSuffix    = regexp.MustCompile(`(?i)^(.*?)\.(\d{2,3})$`)
	sevenZipVolume   = regexp.MustCompile(`(?i)^(.*?)\.7z\.(\d{3})$`)
	plainSevenZip    = regexp.MustCompile(`(?i)^(.*?)\.7z$`)
	mkvVolume        = regexp.MustCompile(`(?i)^(.*?)\.mkv\.(\d{3})$`)
)

// baseNameAndOrdinal strips a known multi-part suffix from name, returning
// the group's base-name and this file's ordinal within the group (0 for a
// non-multipart name or a bare ".rar"/".7z" first volume; numbered volumes
// such as ".part01.rar" or ".001" keep their own number, so they start at 1).
func baseNameAndOrdinal(name string) (base string, ordinal int, kind model.ProcessorKind) {
	if m := partRarPattern.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n, model.ProcessorRAR
	}
	if m := oldRarVolPattern.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n + 1, model.ProcessorRAR // .r00 follows .rar, so offset by one
	}
	if m := plainRarPattern.FindStringSubmatch(name); m != nil {
		return m[1], 0, model.ProcessorRAR
	}
	if m := mkvVolume.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1] + ".mkv", n, model.ProcessorMultipartMKV
	}
	if m := sevenZipVolume.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1] + ".7z", n, model.ProcessorSevenZip
	}
	if m := plainSevenZip.FindStringSubmatch(name); m != nil {
		return m[1], 0, model.ProcessorSevenZip
	}
	if m := numericSuffix.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n, model.ProcessorRAR // bare ".001" style volumes are treated as RAR-family unless magic says otherwise below
	}
	return name, 0, model.ProcessorOther
}

// GroupFiles partitions infos by base-name, classifying each group by its
// member magic bytes (authoritative) with filename pattern as a fallback,
// then sorts each group's files by ordinal (spec.md §4.8).
func GroupFiles(infos []model.FileInfo) []Group {
	groups := make(map[string]*Group)
	order := make([]string, 0)

	type ordered struct {
		info    model.FileInfo
		ordinal int
	}
	members := make(map[string][]ordered)

	for _, info := range infos {
		base, ordinal, kindGuess := baseNameAndOrdinal(info.Filename)
		g, ok := groups[base]
		if !ok {
			g = &Group{BaseName: base, Kind: kindGuess}
			groups[base] = g
			order = append(order, base)
		}
		if info.IsRar {
			g.Kind = model.ProcessorRAR
		} else if info.IsSevenZip {
			g.Kind = model.ProcessorSevenZip
		} else if g.Kind == model.ProcessorRAR && kindGuess == model.ProcessorOther {
			// keep existing magic-derived classification
		}
		members[base] = append(members[base], ordered{info: info, ordinal: ordinal})
	}

	result := make([]Group, 0, len(order))
	for _, base := range order {
		g := groups[base]
		ms := members[base]
		sort.SliceStable(ms, func(i, j int) bool { return ms[i].ordinal < ms[j].ordinal })
		g.Files = make([]model.FileInfo, len(ms))
		for i, m := range ms {
			g.Files[i] = m.info
		}
		// a lone file with no magic/pattern match downgrades to "other" even
		// if the numeric-suffix heuristic guessed rar.
		if g.Kind == model.ProcessorRAR && len(g.Files) == 1 && !g.Files[0].IsRar && !strings.Contains(strings.ToLower(g.Files[0].Filename), ".rar") {
			g.Kind = model.ProcessorOther
		}
		result = append(result, *g)
	}
	return result
}

// ConnectionsPerGroup implements spec.md §4.8's RAR concurrency budget:
// connectionsPerRar = max(1, min(5, maxQueueConnections / max(1, rarCount/3))).
func ConnectionsPerGroup(maxQueueConnections, rarCount int) int {
	if rarCount <= 0 {
		rarCount = 1
	}
	divisor := rarCount / 3
	if divisor < 1 {
		divisor = 1
	}
	budget := maxQueueConnections / divisor
	if budget > 5 {
		budget = 5
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}
