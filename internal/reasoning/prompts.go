package reasoning

const framePrompt = `You are an experienced site reliability engineer. From the alert and its
context (metrics snapshot, error logs, traces, runbook excerpts, past incidents) produce a
problem frame.

Reply with JSON only:
{
  "title": "short title",
  "what": "what is happening",
  "when": "when it started",
  "where": "affected services or components",
  "impact": "none | low | medium | high | critical",
  "affected_components": ["..."],
  "initial_observations": ["..."],
  "investigation_scope": "what to focus on",
  "questions_to_answer": ["..."]
}`

const hypothesizePrompt = `You are investigating a production incident. Given the problem frame and
context, propose 2 to 5 root-cause hypotheses ordered by likelihood. Each hypothesis carries
concrete queries that would confirm or reject it.

Tools:
- prometheus: PromQL
- loki: LogQL
- tempo: Tempo tag search (logfmt, e.g. service.name=checkout status=error)

Reply with a JSON array only:
[
  {
    "id": "h1",
    "title": "short title",
    "description": "why this could be the cause",
    "likelihood": 0.6,
    "queries": [
      {"tool": "prometheus", "query": "sum(rate(http_requests_total{code=~\"5..\"}[5m]))", "purpose": "error rate trend"}
    ]
  }
]`

const rerankPrompt = `You are evaluating root-cause hypotheses against gathered evidence. For every
hypothesis update likelihood (0.0 to 1.0), set status to confirmed, rejected, inconclusive or
investigating, list supporting and contradicting evidence, and give a short verdict. Keep ids and
queries unchanged.

Reply with a JSON array of the same hypotheses only.`

const reportPrompt = `You are writing the root cause analysis for an investigated incident. Cite
actual metric values, log messages and trace ids where available.

Reply with JSON only:
{
  "title": "incident title",
  "summary": "two or three sentence summary",
  "root_cause": "root cause explanation",
  "impact": "what was affected",
  "timeline": [{"timestamp": "...", "event": "...", "source": "metrics | logs | traces"}],
  "evidence": [{"tool": "...", "query": "...", "purpose": "...", "finding": "..."}],
  "recommended_actions": ["..."],
  "runbook_references": ["..."]
}`
