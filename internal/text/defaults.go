package text

import "sync"

// DefaultData returns the built-in word lists.
func DefaultData() Data {
	return Data{
		Stopwords: []string{
			"a", "about", "after", "again", "all", "also", "am", "an", "and", "any", "are", "as", "at",
			"be", "been", "before", "being", "but", "by", "can", "could", "did", "do", "does", "doing",
			"for", "from", "had", "has", "have", "having", "he", "her", "here", "him", "his", "how",
			"i", "if", "in", "into", "is", "it", "its", "just", "me", "my", "myself", "of", "on", "or",
			"our", "she", "so", "some", "than", "that", "the", "their", "them", "then", "there",
			"these", "they", "this", "those", "to", "too", "up", "very", "was", "we", "were", "what",
			"when", "which", "while", "who", "will", "with", "would", "you", "your", "s", "t", "ve",
			"ll", "m", "d", "re", "really", "bit", "lot", "feel", "feeling", "got", "get",
		},
		PhraseSynonyms: map[string]string{
			"sore throat":         "sore_throat",
			"scratchy throat":     "sore_throat",
			"runny nose":          "runny_nose",
			"stuffy nose":         "nasal_congestion",
			"blocked nose":        "nasal_congestion",
			"nasal congestion":    "nasal_congestion",
			"shortness of breath": "dyspnea",
			"short of breath":     "dyspnea",
			"hard to breathe":     "dyspnea",
			"chest pain":          "chest_pain",
			"chest tightness":     "chest_tightness",
			"tight chest":         "chest_tightness",
			"stomach ache":        "stomach_pain",
			"tummy ache":          "stomach_pain",
			"abdominal pain":      "abdominal_pain",
			"back pain":           "back_pain",
			"joint pain":          "joint_pain",
			"high blood pressure": "hypertension",
			"trouble sleeping":    "insomnia",
			"difficulty sleeping": "insomnia",
			"can't sleep":         "insomnia",
			"cannot sleep":        "insomnia",
			"night sweats":        "night_sweats",
			"loss of appetite":    "poor_appetite",
			"poor appetite":       "poor_appetite",
			"dry mouth":           "dry_mouth",
			"cold hands":          "cold_limbs",
			"cold feet":           "cold_limbs",
			"ringing in the ears": "tinnitus",
		},
		TokenSynonyms: map[string]string{
			"coughing":      "cough",
			"coughs":        "cough",
			"coughed":       "cough",
			"feverish":      "fever",
			"fevers":        "fever",
			"febrile":       "fever",
			"headaches":     "headache",
			"sleeplessness": "insomnia",
			"insomniac":     "insomnia",
			"sleepless":     "insomnia",
			"nauseous":      "nausea",
			"nauseated":     "nausea",
			"vomit":         "vomiting",
			"vomited":       "vomiting",
			"throwing":      "vomiting",
			"tired":         "fatigue",
			"tiredness":     "fatigue",
			"exhausted":     "fatigue",
			"exhaustion":    "fatigue",
			"weary":         "fatigue",
			"dizzy":         "dizziness",
			"lightheaded":   "dizziness",
			"itchy":         "itching",
			"itch":          "itching",
			"sneeze":        "sneezing",
			"sneezes":       "sneezing",
			"diarrhoea":     "diarrhea",
			"constipated":   "constipation",
			"anxious":       "anxiety",
			"sweats":        "sweating",
			"sweaty":        "sweating",
			"palpitation":   "palpitations",
			"chilly":        "chills",
			"shivering":     "chills",
			"rashes":        "rash",
			"bloated":       "bloating",
			"wheeze":        "wheezing",
			"thirsty":       "thirst",
			"swollen":       "swelling",
			"numb":          "numbness",
			"stiff":         "stiffness",
			"mucus":         "phlegm",
			"sputum":        "phlegm",
		},
		SymptomKeywords: []string{
			"cough", "fever", "headache", "insomnia", "nausea", "vomiting", "fatigue", "dizziness",
			"itching", "sneezing", "diarrhea", "constipation", "anxiety", "sweating", "palpitations",
			"chills", "rash", "bloating", "wheezing", "thirst", "swelling", "numbness", "stiffness",
			"phlegm", "tinnitus", "edema", "sore_throat", "runny_nose", "nasal_congestion", "dyspnea",
			"chest_pain", "chest_tightness", "stomach_pain", "abdominal_pain", "back_pain",
			"joint_pain", "night_sweats", "poor_appetite", "dry_mouth", "cold_limbs", "migraine",
			"heartburn", "cramps", "irritability", "restlessness",
		},
		BodyParts: map[string]string{
			"head": "head", "chest": "chest", "stomach": "stomach", "abdomen": "abdominal",
			"abdominal": "abdominal", "back": "back", "neck": "neck", "joint": "joint", "joints": "joint",
			"knee": "knee", "knees": "knee", "shoulder": "shoulder", "shoulders": "shoulder",
			"ear": "ear", "ears": "ear", "tooth": "tooth", "teeth": "tooth", "eye": "eye", "eyes": "eye",
			"leg": "leg", "legs": "leg", "arm": "arm", "arms": "arm", "throat": "throat",
			"muscle": "muscle", "muscles": "muscle", "nose": "nose", "mouth": "mouth", "skin": "skin",
			"hand": "hand", "hands": "hand", "foot": "foot", "feet": "foot", "waist": "waist",
		},
		PainQualities: []string{
			"sharp", "dull", "stabbing", "burning", "throbbing", "aching", "cramping", "shooting",
			"mild", "severe", "constant", "dragging", "distending",
		},
		SymptomAdjectives: []string{
			"swollen", "stiff", "itchy", "dry", "sore", "red", "numb", "blocked", "stuffy", "watery",
			"puffy", "bleeding", "inflamed",
		},
		Aliases: map[string][]string{
			"common cold":  {"cold", "head cold", "coryza", "wind-cold"},
			"influenza":    {"flu", "grippe"},
			"insomnia":     {"sleeplessness", "trouble sleeping", "cannot sleep", "sleep disorder"},
			"migraine":     {"migraines", "migraine headache"},
			"headache":     {"head pain", "tension headache"},
			"gastritis":    {"stomach inflammation", "indigestion", "dyspepsia"},
			"hypertension": {"high blood pressure"},
			"bronchitis":   {"chest cold", "chronic cough"},
			"eczema":       {"dermatitis", "atopic dermatitis"},
			"diabetes":     {"diabetes mellitus", "high blood sugar"},
			"anxiety":      {"anxiety disorder", "nervousness"},
			"constipation": {"irregular bowel"},
		},
	}
}

var defaultLexicon = sync.OnceValue(func() *Lexicon { return New(DefaultData()) })

// DefaultLexicon returns the shared Lexicon built from DefaultData.
func DefaultLexicon() *Lexicon {
	return defaultLexicon()
}
