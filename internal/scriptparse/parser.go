// Package scriptparse extracts hard-coded GPU requirements from shell and
// python script sources. Extraction is a literal pattern scan: values
// computed at script runtime are invisible to it.
package scriptparse

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"gpuschedd/internal/common/fsutil"
	"gpuschedd/pkg/types"
)

// Recognized device-declaration shapes. The first three carry a comma or
// range list, the last two name a single index.
var cudaPatterns = []*regexp.Regexp{
	// CUDA_VISIBLE_DEVICES=0,1,2
	regexp.MustCompile(`(?i)CUDA_VISIBLE_DEVICES\s*=\s*([0-9,\-\s]+)`),
	// os.environ['CUDA_VISIBLE_DEVICES'] = '0,1,2'
	regexp.MustCompile(`(?i)os\.environ\[['"]CUDA_VISIBLE_DEVICES['"]\]\s*=\s*['"]([0-9,\-\s]+)['"]`),
	// os.environ.setdefault('CUDA_VISIBLE_DEVICES', '0,1,2')
	regexp.MustCompile(`(?i)os\.environ\.setdefault\(['"]CUDA_VISIBLE_DEVICES['"],\s*['"]([0-9,\-\s]+)['"]\)`),
	// torch.cuda.set_device(0)
	regexp.MustCompile(`(?i)torch\.cuda\.set_device\((\d+)\)`),
	// device = torch.device('cuda:0')
	regexp.MustCompile(`(?i)torch\.device\(['"]cuda:(\d+)['"]\)`),
}

// Parser turns script sources into ScriptRequirement values.
type Parser struct {
	log zerolog.Logger
}

// New constructs a Parser logging through log.
func New(log zerolog.Logger) *Parser { return &Parser{log: log} }

// Parse reads the script at path and extracts its GPU requirement. A
// missing or unreadable file yields an invalid requirement, never an
// error return.
func (p *Parser) Parse(path string) types.ScriptRequirement {
	if !fsutil.PathExists(path) {
		return types.ScriptRequirement{
			ScriptPath: path,
			ScriptType: types.ScriptTypeUnknown,
			Error:      fmt.Sprintf("script file not found: %s", path),
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		p.log.Error().Err(err).Str("script", path).Msg("script read failed")
		return types.ScriptRequirement{
			ScriptPath: path,
			ScriptType: types.ScriptTypeUnknown,
			Error:      err.Error(),
		}
	}
	return p.ParseContent(string(content), path)
}

// ParseContent extracts the GPU requirement from script text. It is a
// pure function over the text and needs no filesystem access.
func (p *Parser) ParseContent(content, path string) types.ScriptRequirement {
	scriptType := detectType(path, func() string { return firstLine(content) })
	p.log.Debug().Str("script", path).Str("type", string(scriptType)).Msg("parsing script")

	seen := map[int]bool{}
	for _, pat := range cudaPatterns {
		for _, m := range pat.FindAllStringSubmatch(content, -1) {
			if len(m) < 2 || m[1] == "" {
				continue
			}
			for _, idx := range p.parseIndexList(m[1]) {
				seen[idx] = true
			}
		}
	}
	indices := make([]int, 0, len(seen))
	for idx := range seen {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	if len(indices) == 0 {
		return types.ScriptRequirement{
			ScriptPath: path,
			ScriptType: scriptType,
			IsValid:    true,
			Message:    fmt.Sprintf("%s script declares no GPU requirement; it will run with currently visible devices", scriptType),
		}
	}
	return types.ScriptRequirement{
		ScriptPath:   path,
		ScriptType:   scriptType,
		RequiredGPUs: len(indices),
		GPUIndices:   indices,
		IsValid:      true,
	}
}

// DetectType resolves the interpreter family for the script at path:
// extension first, then the shebang line, defaulting to shell.
func DetectType(path string) types.ScriptType {
	return detectType(path, func() string { return firstLineOfFile(path) })
}

// Validate checks that the script exists and is readable, and warns (but
// does not fail) when the extension looks wrong for the detected type.
func (p *Parser) Validate(path string) (bool, string) {
	if !fsutil.PathExists(path) {
		return false, fmt.Sprintf("script file not found: %s", path)
	}
	if !fsutil.IsReadable(path) {
		return false, fmt.Sprintf("script file not readable: %s", path)
	}
	scriptType := DetectType(path)
	ext := strings.ToLower(filepath.Ext(path))
	switch scriptType {
	case types.ScriptTypePython:
		if ext != ".py" && ext != ".python" && ext != "" {
			p.log.Warn().Str("script", path).Str("ext", ext).Msg("extension unusual for a python script")
		}
	default:
		if ext != ".sh" && ext != ".bash" && ext != ".zsh" && ext != "" {
			p.log.Warn().Str("script", path).Str("ext", ext).Msg("extension unusual for a shell script")
		}
	}
	return true, fmt.Sprintf("%s script validated", scriptType)
}

// ExtractInfo validates then parses path, combining both results.
func (p *Parser) ExtractInfo(path string) types.ScriptRequirement {
	ok, msg := p.Validate(path)
	if !ok {
		return types.ScriptRequirement{
			ScriptPath: path,
			ScriptType: types.ScriptTypeUnknown,
			Error:      msg,
		}
	}
	req := p.Parse(path)
	if req.Message == "" {
		req.Message = msg
	}
	return req
}

// parseIndexList expands a comma-separated payload of single indices and
// inclusive a-b ranges. Malformed tokens are skipped with a warning.
func (p *Parser) parseIndexList(s string) []int {
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			lo, errLo := strconv.Atoi(strings.TrimSpace(bounds[0]))
			hi, errHi := strconv.Atoi(strings.TrimSpace(bounds[1]))
			if errLo != nil || errHi != nil || lo > hi {
				p.log.Warn().Str("token", part).Msg("invalid GPU index range")
				continue
			}
			for i := lo; i <= hi; i++ {
				seen[i] = true
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			p.log.Warn().Str("token", part).Msg("invalid GPU index")
			continue
		}
		seen[n] = true
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// detectType resolves the interpreter family by extension, falling back
// to the shebang line supplied by head for unrecognized extensions.
func detectType(path string, head func() string) types.ScriptType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".python":
		return types.ScriptTypePython
	case ".sh", ".bash", ".zsh", "":
		return types.ScriptTypeShell
	}
	line := strings.TrimSpace(head())
	if strings.HasPrefix(line, "#!") {
		if strings.Contains(line, "python") {
			return types.ScriptTypePython
		}
		for _, sh := range []string{"bash", "sh", "zsh"} {
			if strings.Contains(line, sh) {
				return types.ScriptTypeShell
			}
		}
	}
	return types.ScriptTypeShell
}

func firstLine(content string) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		return content[:i]
	}
	return content
}

// firstLineOfFile reads only the first line; unreadable files yield "".
func firstLineOfFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}
