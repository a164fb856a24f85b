package schema

// Collection names of the sudoku app.
const (
	TableSudokus        = "sudokus"
	TableSudokuAttempts = "sudokuAttempts"
)

// SudokuSchema is the default app schema: puzzles and play attempts.
var SudokuSchema = AppSchema{
	Version: 2,
	Tables: []TableSchema{
		{
			Name: TableSudokus,
			Columns: []ColumnSchema{
				{Name: "sudokuNumber", Type: ColumnNumber},
				{Name: "puzzle", Type: ColumnString},
				{Name: "solution", Type: ColumnString},
				{Name: "clues", Type: ColumnNumber},
				{Name: "difficulty", Type: ColumnNumber},
				{Name: "isComplete", Type: ColumnBoolean},
			},
		},
		{
			Name: TableSudokuAttempts,
			Columns: []ColumnSchema{
				{Name: "sudoku_id", Type: ColumnString, Indexed: true},
				{Name: "user_id", Type: ColumnString},
				{Name: "progress", Type: ColumnString},
				{Name: "totalElapsedTime", Type: ColumnNumber},
				{Name: "startTime", Type: ColumnNumber},
				{Name: "endTime", Type: ColumnNumber},
				{Name: "isComplete", Type: ColumnBoolean},
			},
		},
	},
}

// SudokuMigrations upgrade a version 1 sudoku replica.
var SudokuMigrations = Migrations{
	{
		ToVersion: 2,
		Steps: []Step{
			AddColumns{
				Table:   TableSudokus,
				Columns: []ColumnSchema{{Name: "sudokuNumber", Type: ColumnNumber}},
			},
		},
	},
}

// SudokuSchemaV1 returns the sudoku schema as it was before sudokuNumber.
func SudokuSchemaV1() AppSchema {
	v1 := AppSchema{Version: 1}
	for _, t := range SudokuSchema.Tables {
		var cols []ColumnSchema
		for _, c := range t.Columns {
			if t.Name == TableSudokus && c.Name == "sudokuNumber" {
				continue
			}
			cols = append(cols, c)
		}
		v1.Tables = append(v1.Tables, TableSchema{Name: t.Name, Columns: cols})
	}
	return v1
}
