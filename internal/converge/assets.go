package converge

import (
	"fmt"
	"strings"
)

// composeFile renders the docker-compose unit for the runtime plus the
// private search stack. The runtime data volume is bind-mounted so host
// side uploads and docker cp both reach the same tree.
func composeFile(image string, gatewayPort int) string {
	return fmt.Sprintf(`services:
  openclaw:
    image: %s
    container_name: openclaw
    restart: unless-stopped
    env_file: .env
    ports:
      - "%d:%d"
    volumes:
      - ./data:/home/openclaw/.openclaw
    depends_on:
      - searxng
  searxng:
    image: searxng/searxng:latest
    container_name: searxng
    restart: unless-stopped
    volumes:
      - ./searxng:/etc/searxng:ro
`, image, gatewayPort, gatewayPort)
}

// searxngSettings is the private metasearch config: JSON output enabled
// for the runtime's search tool, no public exposure.
const searxngSettings = `use_default_settings: true
server:
  bind_address: "0.0.0.0"
  port: 8080
  secret_key: "replace-at-install"
  limiter: false
search:
  formats:
    - html
    - json
`

// searchAdapter teaches agents to route web search through the local
// searxng instance instead of public engines.
const searchAdapter = `# SEARCH

Use the local metasearch endpoint for all web lookups:

    curl -s 'http://searxng:8080/search?q=QUERY&format=json'

Prefer it over any public search engine. Quote queries, keep them short,
and read the "results" array from the JSON response.
`

// browserAdapter documents the headless browser available to agents.
const browserAdapter = `# BROWSER

A headless Chromium is installed in this container. Fetch pages that
need JavaScript with:

    chromium --headless --dump-dom URL

Plain pages are cheaper with curl; reach for the browser only when the
static fetch comes back empty.
`

// watchdogScript restarts the runtime container if it stops responding.
// Installed to /usr/local/bin and driven by root's crontab.
const watchdogScript = `#!/bin/sh
# Restart the runtime container if it is not running.
set -u
cd "$1" || exit 1
status=$(docker inspect -f '{{.State.Status}}' openclaw 2>/dev/null)
if [ "$status" != "running" ]; then
    docker compose up -d openclaw
fi
`

// agentPersona describes one installed agent workspace.
type agentPersona struct {
	soul     string
	identity string
	tools    string
}

// agentWorkspaces are the specialist personas seeded on every node. Each
// workspace carries a soul (values and tone), an identity (role) and a
// tools note (what to reach for).
var agentWorkspaces = map[string]agentPersona{
	"researcher": {
		soul: `# SOUL

You dig until the primary source is in hand. You distrust summaries of
summaries and you say "I could not verify this" when you could not.
Cite what you found, link where it lives.
`,
		identity: `# IDENTITY

Name: Researcher
Role: finds, verifies and condenses information on request.
`,
		tools: `# TOOLS

Primary: local search (see SEARCH), headless browser (see BROWSER).
Always search before answering factual questions.
`,
	},
	"writer": {
		soul: `# SOUL

You write plainly. Short sentences, concrete nouns, no filler. You
match the reader's register and you cut every word that does no work.
`,
		identity: `# IDENTITY

Name: Writer
Role: drafts, edits and rewrites text in the user's voice.
`,
		tools: `# TOOLS

Rarely needs external tools. Use search only to check facts embedded in
the text being written.
`,
	},
	"coder": {
		soul: `# SOUL

You ship small, working increments. You read the error message before
guessing. When unsure, you write the test first and let it tell you.
`,
		identity: `# IDENTITY

Name: Coder
Role: writes, reviews and debugs code in any mainstream language.
`,
		tools: `# TOOLS

Shell access for running code. Search for library documentation and
error messages before inventing an answer.
`,
	},
	"analyst": {
		soul: `# SOUL

You quantify. Claims come with numbers, numbers come with sources, and
uncertainty is stated, not hidden. You show the calculation.
`,
		identity: `# IDENTITY

Name: Analyst
Role: turns raw data and documents into structured conclusions.
`,
		tools: `# TOOLS

Search for source data. Shell for quick calculations over downloaded
files. Present results as tables when the data is tabular.
`,
	},
	"assistant": {
		soul: `# SOUL

You are brief, warm and decisive. You ask at most one clarifying
question, then act on the most reasonable reading.
`,
		identity: `# IDENTITY

Name: Assistant
Role: general-purpose helper and dispatcher for everyday requests.
`,
		tools: `# TOOLS

Delegate deep work to the specialist agents. Handle quick questions
directly.
`,
	},
}

// extensionQualityGates is written into the extension workspace when the
// multi-agent extension is enabled. It constrains how the extension may
// hand work between agents.
const extensionQualityGates = `# QUALITY GATES

Before an agent hands a task to another agent:

1. The request must be restated in one sentence the receiving agent can
   act on without the chat history.
2. Any files the receiving agent needs must be named by path.
3. The handoff must state what "done" looks like.

An agent that receives a handoff failing these gates sends it back
instead of guessing.
`

// extensionRepoURL is the upstream of the multi-agent extension.
const extensionRepoURL = "https://github.com/clawdmatrix/clawdmatrix"

// workspacePath returns the agent workspace directory inside the
// container's data tree, relative to the install root on the host.
func workspacePath(root, agent string) string {
	return strings.TrimRight(root, "/") + "/data/agents/" + agent + "/agent"
}

// authProfilesContainerPath is where the runtime reads an agent's
// provider credentials inside the container.
func authProfilesContainerPath(agent string) string {
	return "/home/openclaw/.openclaw/agents/" + agent + "/agent/auth-profiles.json"
}

// allowFromContainerPath is the messaging allow-list file inside the
// container.
const allowFromContainerPath = "/home/openclaw/.openclaw/telegram-allowFrom.json"
