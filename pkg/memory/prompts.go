package memory

const summaryInstruction = `You write memory entries for a personal assistant.
Given one exchange between a user and the assistant, return strict JSON only:
{"summary":"...","keywords":["..."]}

Rules:
1. summary is 1-3 sentences stating the durable facts of the exchange.
2. keywords has 3-10 lowercase, deduplicated tokens covering topics, names, companies, actions and dates.
3. No markdown, no extra keys.`

const keywordInstruction = `You extract search keywords for a memory lookup.
Return strict JSON only: {"keywords":["..."]}

Rules:
1. 3-5 lowercase keywords that a stored memory about this query would be tagged with.
2. Prefer topics, names, companies, actions and dates.
3. No markdown, no extra keys.`

const rerankInstruction = `You rank stored memories by relevance to a query.
Return strict JSON only: {"indices":[...]}

Rules:
1. indices are the 0-based numbers of the %d most relevant memories, most relevant first.
2. Use only numbers from the list.
3. No markdown, no extra keys.`
