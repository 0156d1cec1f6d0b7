package chunker

import (
	"regexp"
	"slices"
	"strings"

	"github.com/smallnest/ragbuild/rag"
)

var commandLangs = map[string]bool{
	"sh": true, "bash": true, "shell": true, "console": true, "zsh": true,
	"powershell": true, "ps1": true, "cmd": true, "bat": true, "terminal": true,
}

var configLangs = map[string]bool{
	"json": true, "yaml": true, "yml": true, "toml": true, "ini": true, "env": true,
	"dotenv": true, "properties": true, "xml": true, "conf": true, "cfg": true, "hcl": true,
}

var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true, ".env": true,
	".properties": true, ".xml": true, ".conf": true, ".cfg": true, ".hcl": true,
}

var commandPrefixes = []string{
	"$ ", "npm ", "npx ", "yarn ", "pnpm ", "pip ", "pip3 ", "python ", "go ", "make",
	"docker ", "kubectl ", "git ", "cargo ", "mkdir ", "cd ", "cp ", "mv ", "rm ",
	"curl ", "apt-get ", "apt ", "brew ", "export ",
}

var (
	keyValueRe = regexp.MustCompile(`^\s*[A-Za-z0-9_."'-]+\s*[:=]\s*\S?`)
	keywordRe  = regexp.MustCompile(`\b(if|else|for|while|switch|case|func|function|def|class|try|catch|except|return|async|await|select|go|defer)\b`)
)

// codeLanguage returns the first word of a fenced block info string.
func codeLanguage(info []byte) string {
	fields := strings.Fields(strings.ToLower(string(info)))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "{}.")
}

// classifyCode decides the kind of a fenced block from its language hint,
// falling back to the shape of the body when there is none.
func classifyCode(lang, body string) rag.ChunkKind {
	switch {
	case commandLangs[lang]:
		return rag.KindCommand
	case configLangs[lang]:
		return rag.KindConfig
	case lang != "":
		return rag.KindCode
	}

	var lines, commands, pairs int
	for _, l := range strings.Split(body, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		lines++
		if isCommandLine(l) {
			commands++
		}
		if keyValueRe.MatchString(l) && !strings.ContainsAny(l, "(){};") {
			pairs++
		}
	}
	switch {
	case lines == 0:
		return rag.KindCode
	case commands*2 > lines:
		return rag.KindCommand
	case pairs*3 >= lines*2:
		return rag.KindConfig
	default:
		return rag.KindCode
	}
}

func isCommandLine(l string) bool {
	for _, p := range commandPrefixes {
		if strings.HasPrefix(l, p) || l == strings.TrimSpace(p) {
			return true
		}
	}
	return false
}

// complexity scores a unit in [0,1] from its length, nesting depth and
// control-flow keyword density. Prose is scored by length only.
func complexity(kind rag.ChunkKind, text string) float64 {
	lines := strings.Split(text, "\n")
	n := 0
	maxIndent := 0
	depth, maxDepth := 0, 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n++
		indent := len(l) - len(strings.TrimLeft(l, " \t"))
		maxIndent = max(maxIndent, indent)
		for _, r := range l {
			switch r {
			case '{', '(', '[':
				depth++
				maxDepth = max(maxDepth, depth)
			case '}', ')', ']':
				depth = max(depth-1, 0)
			}
		}
	}
	if n == 0 {
		return 0
	}

	size := min(float64(n)/100, 1)
	if kind == rag.KindDoc {
		return round2(size * 0.5)
	}
	nesting := min(max(float64(maxDepth), float64(maxIndent)/4)/6, 1)
	density := min(float64(len(keywordRe.FindAllString(text, -1)))/float64(n), 1)
	return round2(0.4*size + 0.3*nesting + 0.3*density)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

var technologies = []string{
	"react", "vue", "angular", "svelte", "nextjs", "express", "node", "typescript", "javascript",
	"python", "django", "flask", "fastapi", "go", "rust", "java", "spring", "docker", "kubernetes",
	"postgres", "postgresql", "mysql", "sqlite", "redis", "mongodb", "graphql", "grpc", "nginx",
	"terraform", "webpack", "vite", "jest", "pytest", "tailwind",
}

// tagsFor returns kind, language and the technologies a unit mentions.
func tagsFor(u unit, text string) []string {
	tags := []string{string(u.kind)}
	if u.lang != "" {
		tags = append(tags, "lang:"+u.lang)
	}
	lower := strings.ToLower(text + " " + u.section)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, tech := range technologies {
		if slices.Contains(words, tech) && !slices.Contains(tags, tech) {
			tags = append(tags, tech)
		}
	}
	return tags
}

// linkDependencies records which earlier chunks a chunk builds on: the prose
// that introduces its section, and any earlier section it names.
func linkDependencies(chunks []rag.Chunk) {
	introBySection := make(map[string]string)
	headingOwner := make(map[string]string)

	for i := range chunks {
		ch := &chunks[i]
		lower := strings.ToLower(ch.Content)

		if intro, ok := introBySection[ch.Section]; ok && ch.Kind != rag.KindDoc {
			ch.DependsOn = append(ch.DependsOn, intro)
		}
		for heading, owner := range headingOwner {
			if owner == ch.ID || slices.Contains(ch.DependsOn, owner) {
				continue
			}
			if strings.Contains(lower, heading) {
				ch.DependsOn = append(ch.DependsOn, owner)
			}
		}
		slices.Sort(ch.DependsOn)

		if ch.Kind == rag.KindDoc {
			if _, ok := introBySection[ch.Section]; !ok {
				introBySection[ch.Section] = ch.ID
			}
		}
		if h := sectionHeading(ch.Section); len(h) >= 4 {
			if _, ok := headingOwner[h]; !ok {
				headingOwner[h] = ch.ID
			}
		}
	}
}

func sectionHeading(section string) string {
	if i := strings.LastIndex(section, " > "); i >= 0 {
		section = section[i+3:]
	}
	return strings.ToLower(strings.TrimSpace(section))
}
