package llm

// Prompt templates for the ingestion and retrieval pipelines.

const summaryPrompt = `You are an expert technical writer.
Your task is to provide a comprehensive summary of the document provided below.
Requirements:
1. Identify the main Subject, Key Entities (People, Companies), and Dates.
2. Summarize the core purpose of the document.
3. Keep it dense and factual (approx. 200 words).

Document Text:
%s`

const contextualHeaderPrompt = `<document_context>
%s
</document_context>
<chunk_content>
%s
</chunk_content>
Task: Write a brief "Contextual Header" (1-2 sentences) that explains what this specific chunk is about *in the context of the whole document*.
Your Header:`

const graphExtractionSystem = `You are a Knowledge Graph Engineer. Output a VALID JSON object containing a list of entities and a list of relationships.
Rules:
1. **Entities**: Extract People, Organizations, Locations, Projects, Key Concepts, Technical Terms, Processes, Methodologies etc.
2. **Relationships**: Use specific verbs (e.g., "MANAGED_BY", "LOCATED_IN", "RELATES_TO", "PART_OF").
Output Format:
{
  "entities": [{"name": "Entity Name", "type": "PERSON/ORG/CONCEPT"}],
  "relationships": [{"source": "Entity Name", "target": "Entity Name", "relation": "RELATION_TYPE"}]
}`

const graphExtractionUser = `Analyze the following text and extract the knowledge graph:
%s`

const refineSystem = `You are a semantic query expander. Return ONLY the broad question.`

const refinePrompt = `The user provided a short, ambiguous search term for a document search system. Expand this term into a broad question that asks for 'definitions, categories, or examples' of the term within the document. Avoid assuming a specific industry or domain. Term: '%s'`

const entityExtractionSystem = `You are a precise entity and concept extractor. Return ONLY the entity or concept names, one per line (e.g., 'Requirements Analysis', 'Security'). Do not explain.`

const entityExtractionPrompt = `Analyze the following query and extract up to three of the most relevant primary entities (Person, Organization, Project) OR Key Concepts (Technical Term, Process), one per line. If none, return 'None'. Query: '%s'`
