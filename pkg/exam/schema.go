package exam

// ExpectedTables lists every table a valid exam store must contain, in
// creation order.
var ExpectedTables = []string{
	"examining_facilities",
	"examinations",
	"medical_history",
	"laboratory_findings",
	"urine_tests",
	"additional_studies",
	"physical_examination",
	"abnormal_findings",
	"assessments",
	"certifications",
}

// SectionTables are the per-exam detail tables keyed by exam_id.
var SectionTables = []string{
	"medical_history",
	"laboratory_findings",
	"urine_tests",
	"additional_studies",
	"physical_examination",
	"abnormal_findings",
	"assessments",
	"certifications",
}

// schemaStatements creates the NAVMED 6470/13 schema. Exam types: PE
// (pre-placement), RE (re-examination), SE (situational), TE (termination).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS examining_facilities (
		facility_id INTEGER PRIMARY KEY AUTOINCREMENT,
		facility_name TEXT NOT NULL,
		facility_address TEXT,
		facility_phone TEXT,
		facility_type TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS examinations (
		exam_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_type TEXT NOT NULL CHECK (exam_type IN ('PE', 'RE', 'SE', 'TE')),
		exam_date DATE NOT NULL,
		patient_last_name TEXT NOT NULL,
		patient_first_name TEXT NOT NULL,
		patient_middle_initial TEXT,
		patient_ssn TEXT NOT NULL,
		patient_dob DATE NOT NULL,
		command_unit TEXT,
		rank_grade TEXT,
		department_service TEXT,
		facility_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'complete')),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (facility_id) REFERENCES examining_facilities (facility_id)
	)`,
	`CREATE TABLE IF NOT EXISTS medical_history (
		history_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		cancer_history TEXT,
		cancer_details TEXT,
		radiation_therapy TEXT,
		radiation_therapy_details TEXT,
		chemotherapy TEXT,
		chemotherapy_details TEXT,
		radioactive_drugs TEXT,
		radioactive_drugs_details TEXT,
		xray_studies TEXT,
		xray_studies_details TEXT,
		nuclear_medicine TEXT,
		nuclear_medicine_details TEXT,
		occupational_exposure TEXT,
		occupational_exposure_details TEXT,
		medical_problems TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS laboratory_findings (
		lab_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		hematocrit REAL,
		hematocrit_normal_range TEXT,
		wbc_count INTEGER,
		wbc_normal_range TEXT,
		differential_neutrophils INTEGER,
		differential_lymphocytes INTEGER,
		differential_monocytes INTEGER,
		differential_eosinophils INTEGER,
		differential_basophils INTEGER,
		other_studies TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS urine_tests (
		urine_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		dipstick_blood_result TEXT CHECK (dipstick_blood_result IN ('Negative', 'Positive', 'Not Performed')),
		microscopic_performed TEXT,
		microscopic_results TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS additional_studies (
		study_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		study_type TEXT,
		study_date DATE,
		study_results TEXT,
		ordering_physician TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS physical_examination (
		physical_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		thyroid_status TEXT CHECK (thyroid_status IN ('NML', 'ABN', 'NE')),
		thyroid_findings TEXT,
		breast_status TEXT CHECK (breast_status IN ('NML', 'ABN', 'NE')),
		breast_findings TEXT,
		testes_status TEXT CHECK (testes_status IN ('NML', 'ABN', 'NE')),
		testes_findings TEXT,
		dre_status TEXT CHECK (dre_status IN ('NML', 'ABN', 'NE')),
		dre_findings TEXT,
		skin_status TEXT CHECK (skin_status IN ('NML', 'ABN', 'NE')),
		skin_findings TEXT,
		additional_findings TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS abnormal_findings (
		finding_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		finding_description TEXT NOT NULL,
		clinical_significance TEXT,
		followup_required TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS assessments (
		assessment_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		qualification_status TEXT CHECK (qualification_status IN ('PQ', 'NPQ', 'PDQ')),
		assessment_notes TEXT,
		examiner_name TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE TABLE IF NOT EXISTS certifications (
		certification_id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		certifying_officer TEXT,
		certification_date DATE,
		reviewing_authority TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (exam_id) REFERENCES examinations (exam_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_examinations_patient ON examinations (patient_last_name, patient_first_name)`,
	`CREATE INDEX IF NOT EXISTS idx_examinations_date ON examinations (exam_date)`,
}
