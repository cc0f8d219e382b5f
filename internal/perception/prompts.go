// internal/perception/prompts.go
package perception

const teachStepPrompt = `
You are analyzing a screenshot taken during a workflow recording session.
The user just clicked something and narrated: "%s"
The click context (nearby visible text) was: "%s"

Analyze the screenshot and return ONLY a valid JSON object with this exact structure:
{
  "intent": "one clear sentence describing what the user intended to do at this step",
  "visual_cue": "describe the visual appearance of what they clicked: color, shape, label, position",
  "action_type": "click|type|navigate|scroll|extract_value",
  "target_description": "describe the target element in plain English a person would understand",
  "input_value": "if they typed something, what did they type. Otherwise null",
  "stores_to": "if they extracted a value (like a number), what variable name to store it in. Otherwise null",
  "verification_cue": "what visual change should happen on screen after this action succeeds",
  "confidence_threshold": 0.82
}
Return ONLY the JSON. No markdown. No explanation.
`

const locatePrompt = `
You are executing step %d of a saved workflow.
Step intent: %s
Action to perform: %s
Visual cue to find: %s
Target description: %s
%s
Look at the current screenshot. Find the element that matches the description above.
Return ONLY a valid JSON object:
{
  "found": true/false,
  "confidence": 0.0-1.0,
  "x": normalized x coordinate (0.0 to 1.0 from left edge),
  "y": normalized y coordinate (0.0 to 1.0 from top edge),
  "reasoning": "brief explanation of what you found or why you couldn't find it",
  "recovery_question": "if you are not confident, a plain English question to ask the user. Otherwise null"
}
Return ONLY the JSON. No markdown. No explanation.
`

const clarificationClause = `The user previously clarified this step: "%s". Use that clarification to find the element.
`

const verificationPrompt = `
Before this action: here is the expected change that should have occurred: %s
Look at the current screenshot. Did this change happen?
Return ONLY JSON: {"verified": true/false, "confidence": 0.0-1.0, "observation": "what you see"}
`

const finalizePrompt = `
You are reviewing a workflow that was just recorded. Below are the raw step nodes as JSON.
Your job is to:
1. Ensure each step's intent is clear and concise.
2. Fill in any missing visual_cue or target_description fields.
3. Return a one-sentence summary of what the entire workflow does.

Keep the same number of steps in the same order.

Steps JSON:
%s

Return ONLY a JSON object:
{
  "steps": [ ... same structure as input, with improvements ... ],
  "summary": "one sentence describing what this workflow does"
}
Return ONLY the JSON. No markdown. No explanation.
`
