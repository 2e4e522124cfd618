package sqlscript

import (
	"reflect"
	"testing"
)

func TestSplit_Basic(t *testing.T) {
	script := "CREATE TABLE a (id INT);\nINSERT INTO a VALUES (1);\n"
	stmts := Split(script)

	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if stmts[0].Raw != "CREATE TABLE a (id INT);\n" {
		t.Errorf("unexpected raw text %q", stmts[0].Raw)
	}
	if stmts[0].Body != "CREATE TABLE a (id INT)" {
		t.Errorf("unexpected body %q", stmts[0].Body)
	}
	if stmts[1].Body != "INSERT INTO a VALUES (1)" {
		t.Errorf("unexpected body %q", stmts[1].Body)
	}
}

func TestSplit_Lossless(t *testing.T) {
	scripts := []string{
		"",
		"SELECT 1",
		"SELECT 1;\n-- trailing comment\n",
		"-- MySQL dump\n/*!40101 SET NAMES utf8 */;\n\nDROP TABLE IF EXISTS `a`;\n",
		"INSERT INTO t VALUES ('it''s; fine', \"x;y\", 'a\\'b;');\nSELECT 2;",
		"DELIMITER ;;\nCREATE TRIGGER t BEFORE INSERT ON a FOR EACH ROW BEGIN SET NEW.x = 1; END ;;\nDELIMITER ;\n",
		";;\n  ; SELECT 1 ;  \r\nSELECT /* a ; comment */ 3;",
		"# hash comment ;\nUPDATE `we;ird` SET x = 1;",
	}

	for _, script := range scripts {
		if got := Join(Split(script)); got != script {
			t.Errorf("Join(Split(%q)) = %q", script, got)
		}
	}
}

func TestSplit_QuotedDelimiters(t *testing.T) {
	stmts := Split("INSERT INTO t VALUES ('a;b', \"c;d\", 'e\\';f');\nSELECT 1;\n")

	bodies := Bodies(stmts)
	want := []string{
		"INSERT INTO t VALUES ('a;b', \"c;d\", 'e\\';f')",
		"SELECT 1",
	}
	if !reflect.DeepEqual(bodies, want) {
		t.Errorf("Bodies() = %q, want %q", bodies, want)
	}
}

func TestSplit_CommentsAreNotStatements(t *testing.T) {
	stmts := Split("-- header ;\n/* block ; */\nSELECT 1; # tail\n")

	bodies := Bodies(stmts)
	if len(bodies) != 1 || bodies[0] != "SELECT 1" {
		t.Errorf("expected only SELECT 1, got %q", bodies)
	}
}

func TestSplit_DelimiterDirective(t *testing.T) {
	script := "DELIMITER ;;\n" +
		"CREATE TRIGGER t BEFORE INSERT ON a FOR EACH ROW BEGIN SET NEW.x = 1; END ;;\n" +
		"DELIMITER ;\n" +
		"SELECT 1;\n"
	stmts := Split(script)

	if len(stmts) != 4 {
		t.Fatalf("expected 4 segments, got %d: %#v", len(stmts), stmts)
	}
	if !stmts[0].Directive || !stmts[2].Directive {
		t.Error("expected DELIMITER lines to be directives")
	}
	if stmts[1].Delimiter != ";;" {
		t.Errorf("expected trigger to end with ;;, got %q", stmts[1].Delimiter)
	}
	if stmts[1].Body != "CREATE TRIGGER t BEFORE INSERT ON a FOR EACH ROW BEGIN SET NEW.x = 1; END" {
		t.Errorf("unexpected trigger body %q", stmts[1].Body)
	}
	if stmts[3].Delimiter != ";" || stmts[3].Body != "SELECT 1" {
		t.Errorf("unexpected final statement %#v", stmts[3])
	}

	if got := len(Bodies(stmts)); got != 2 {
		t.Errorf("expected 2 executable statements, got %d", got)
	}
}

func TestSplit_ConditionalCommentIsBody(t *testing.T) {
	stmts := Split("/*!40000 ALTER TABLE `users` DISABLE KEYS */;\n")

	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(stmts))
	}
	if stmts[0].Body != "/*!40000 ALTER TABLE `users` DISABLE KEYS */" {
		t.Errorf("unexpected body %q", stmts[0].Body)
	}
	if !stmts[0].Executable() {
		t.Error("expected conditional comment to be executable")
	}
}

func TestSplit_UnterminatedTail(t *testing.T) {
	stmts := Split("SELECT 1;\nSELECT 2  \n")

	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if stmts[1].Body != "SELECT 2" {
		t.Errorf("unexpected tail body %q", stmts[1].Body)
	}
}
